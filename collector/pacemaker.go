// Copyright 2021 Trey Dockendorf
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// PacemakerCollector maps the cached ClusterSnapshot onto const metrics. The
// mapping is a pure function of the snapshot: only label combinations present
// in the current snapshot are emitted, so series for removed nodes and
// resources disappear on the next scrape.
//
// Metric names and labels are part of the exporter's contract, renaming any
// of them is a breaking change.
type PacemakerCollector struct {
	Up                     *prometheus.Desc
	FetchDuration          *prometheus.Desc
	Quorum                 *prometheus.Desc
	DCPresent              *prometheus.Desc
	StonithEnabled         *prometheus.Desc
	NodesConfigured        *prometheus.Desc
	ResourcesConfigured    *prometheus.Desc
	StoppedResources       *prometheus.Desc
	LastUpdate             *prometheus.Desc
	LastChange             *prometheus.Desc
	NodeStatusDesc         *prometheus.Desc
	NodeIsDC               *prometheus.Desc
	NodeMaintenance        *prometheus.Desc
	NodeResourcesRunning   *prometheus.Desc
	NodeAttributeValue     *prometheus.Desc
	NodeAttributeExpected  *prometheus.Desc
	ResourceStarted        *prometheus.Desc
	ResourceFailed         *prometheus.Desc
	ResourceManaged        *prometheus.Desc
	ResourceOrphaned       *prometheus.Desc
	ResourceFailureIgnored *prometheus.Desc
	ResourceFailcount      *prometheus.Desc
	ResourceNodesRunningOn *prometheus.Desc
	ResourceRoleDesc       *prometheus.Desc
	ResourceNode           *prometheus.Desc
	cache                  *SnapshotCache
	logger                 log.Logger
}

func NewPacemakerCollector(cache *SnapshotCache, logger log.Logger) *PacemakerCollector {
	return &PacemakerCollector{
		Up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last crm_mon fetch and parse cycle succeeded", nil, nil),
		FetchDuration: prometheus.NewDesc(prometheus.BuildFQName(namespace, "exporter", "fetch_duration_seconds"),
			"Duration of the last crm_mon execution", nil, nil),
		Quorum: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "quorum"),
			"Whether the cluster has quorum", nil, nil),
		DCPresent: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "dc_present"),
			"Whether the cluster has an active DC", nil, nil),
		StonithEnabled: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stonith_enabled"),
			"Whether STONITH is enabled", nil, nil),
		NodesConfigured: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "nodes_configured"),
			"Number of configured nodes", nil, nil),
		ResourcesConfigured: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "resources_configured"),
			"Number of configured resources", nil, nil),
		StoppedResources: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stopped_resources"),
			"Number of stopped resources", nil, nil),
		LastUpdate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "last_update_seconds"),
			"Last update time of cluster status reported by crm_mon", nil, nil),
		LastChange: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "last_change_seconds"),
			"Last CIB change time reported by crm_mon", nil, nil),
		NodeStatusDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "status"),
			"Node status, 1 for the current status only", []string{"node", "status"}, nil),
		NodeIsDC: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "is_dc"),
			"Whether the node is the DC", []string{"node"}, nil),
		NodeMaintenance: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "maintenance"),
			"Whether the node is in maintenance mode", []string{"node"}, nil),
		NodeResourcesRunning: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "resources_running"),
			"Number of resources running on the node", []string{"node"}, nil),
		NodeAttributeValue: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "attribute_value"),
			"Value of a numeric node attribute", []string{"node", "name"}, nil),
		NodeAttributeExpected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", "attribute_expected"),
			"Expected value of a numeric node attribute", []string{"node", "name"}, nil),
		ResourceStarted: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "started"),
			"Whether the resource is active", []string{"id", "instance"}, nil),
		ResourceFailed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "failed"),
			"Whether the resource has failed", []string{"id", "instance"}, nil),
		ResourceManaged: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "managed"),
			"Whether the resource is managed by the cluster", []string{"id", "instance"}, nil),
		ResourceOrphaned: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "orphaned"),
			"Whether the resource is orphaned", []string{"id", "instance"}, nil),
		ResourceFailureIgnored: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "failure_ignored"),
			"Whether resource failures are ignored", []string{"id", "instance"}, nil),
		ResourceFailcount: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "failcount"),
			"Resource fail count summed across nodes", []string{"id", "instance"}, nil),
		ResourceNodesRunningOn: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "nodes_running_on"),
			"Number of nodes the resource is running on", []string{"id", "instance"}, nil),
		ResourceRoleDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "role"),
			"Resource role, 1 for the current role only", []string{"id", "instance", "role"}, nil),
		ResourceNode: prometheus.NewDesc(prometheus.BuildFQName(namespace, "resource", "node"),
			"Whether the resource is running on the node", []string{"id", "instance", "node"}, nil),
		cache:  cache,
		logger: logger,
	}
}

func (c *PacemakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.Up
	ch <- c.FetchDuration
	ch <- c.Quorum
	ch <- c.DCPresent
	ch <- c.StonithEnabled
	ch <- c.NodesConfigured
	ch <- c.ResourcesConfigured
	ch <- c.StoppedResources
	ch <- c.LastUpdate
	ch <- c.LastChange
	ch <- c.NodeStatusDesc
	ch <- c.NodeIsDC
	ch <- c.NodeMaintenance
	ch <- c.NodeResourcesRunning
	ch <- c.NodeAttributeValue
	ch <- c.NodeAttributeExpected
	ch <- c.ResourceStarted
	ch <- c.ResourceFailed
	ch <- c.ResourceManaged
	ch <- c.ResourceOrphaned
	ch <- c.ResourceFailureIgnored
	ch <- c.ResourceFailcount
	ch <- c.ResourceNodesRunningOn
	ch <- c.ResourceRoleDesc
	ch <- c.ResourceNode
}

func (c *PacemakerCollector) Collect(ch chan<- prometheus.Metric) {
	level.Debug(c.logger).Log("msg", "Collecting pacemaker metrics")
	snapshot, err := c.cache.GetOrRefresh()
	up := 1.0
	if err != nil {
		up = 0
		if !errors.Is(err, ErrNoSnapshot) {
			level.Debug(c.logger).Log("msg", "Serving cached snapshot", "err", err)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.Up, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.FetchDuration, prometheus.GaugeValue, c.cache.LastFetchDuration().Seconds())
	if snapshot == nil {
		return
	}
	c.collectSummary(ch, snapshot.Summary)
	for _, node := range snapshot.Nodes {
		c.collectNode(ch, node)
	}
	for _, attribute := range snapshot.Attributes {
		c.collectAttribute(ch, attribute)
	}
	for _, resource := range snapshot.Resources {
		c.collectResource(ch, resource)
	}
}

func (c *PacemakerCollector) collectSummary(ch chan<- prometheus.Metric, summary Summary) {
	ch <- prometheus.MustNewConstMetric(c.Quorum, prometheus.GaugeValue, boolValue(summary.Quorum))
	ch <- prometheus.MustNewConstMetric(c.DCPresent, prometheus.GaugeValue, boolValue(summary.DCPresent))
	ch <- prometheus.MustNewConstMetric(c.StonithEnabled, prometheus.GaugeValue, boolValue(summary.StonithEnabled))
	ch <- prometheus.MustNewConstMetric(c.NodesConfigured, prometheus.GaugeValue, summary.NodesConfigured)
	ch <- prometheus.MustNewConstMetric(c.ResourcesConfigured, prometheus.GaugeValue, summary.ResourcesConfigured)
	ch <- prometheus.MustNewConstMetric(c.StoppedResources, prometheus.GaugeValue, summary.StoppedResources)
	if !summary.LastUpdate.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.LastUpdate, prometheus.GaugeValue, float64(summary.LastUpdate.Unix()))
	}
	if !summary.LastChange.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.LastChange, prometheus.GaugeValue, float64(summary.LastChange.Unix()))
	}
}

func (c *PacemakerCollector) collectNode(ch chan<- prometheus.Metric, node Node) {
	ch <- prometheus.MustNewConstMetric(c.NodeStatusDesc, prometheus.GaugeValue, 1, node.Name, string(node.Status))
	ch <- prometheus.MustNewConstMetric(c.NodeIsDC, prometheus.GaugeValue, boolValue(node.IsDC), node.Name)
	ch <- prometheus.MustNewConstMetric(c.NodeMaintenance, prometheus.GaugeValue, boolValue(node.Maintenance), node.Name)
	ch <- prometheus.MustNewConstMetric(c.NodeResourcesRunning, prometheus.GaugeValue, node.ResourcesRunning, node.Name)
}

func (c *PacemakerCollector) collectAttribute(ch chan<- prometheus.Metric, attribute NodeAttribute) {
	ch <- prometheus.MustNewConstMetric(c.NodeAttributeValue, prometheus.GaugeValue, attribute.Value, attribute.Node, attribute.Name)
	if attribute.HasExpected {
		ch <- prometheus.MustNewConstMetric(c.NodeAttributeExpected, prometheus.GaugeValue, attribute.Expected, attribute.Node, attribute.Name)
	}
}

func (c *PacemakerCollector) collectResource(ch chan<- prometheus.Metric, resource Resource) {
	ch <- prometheus.MustNewConstMetric(c.ResourceStarted, prometheus.GaugeValue, boolValue(resource.Active), resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceFailed, prometheus.GaugeValue, boolValue(resource.Failed), resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceManaged, prometheus.GaugeValue, boolValue(resource.Managed), resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceOrphaned, prometheus.GaugeValue, boolValue(resource.Orphaned), resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceFailureIgnored, prometheus.GaugeValue, boolValue(resource.FailureIgnored), resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceFailcount, prometheus.GaugeValue, resource.Failcount, resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceNodesRunningOn, prometheus.GaugeValue, resource.NodesRunningOn, resource.ID, resource.Instance)
	ch <- prometheus.MustNewConstMetric(c.ResourceRoleDesc, prometheus.GaugeValue, 1, resource.ID, resource.Instance, string(resource.Role))
	for _, node := range resource.Nodes {
		ch <- prometheus.MustNewConstMetric(c.ResourceNode, prometheus.GaugeValue, 1, resource.ID, resource.Instance, node)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
