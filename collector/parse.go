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
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Pacemaker reports INFINITY for resources past their migration threshold.
const failcountInfinity = 1000000

type ParseErrorKind int

const (
	ParseErrMalformedInput ParseErrorKind = iota
	ParseErrInvalidField
	ParseErrDuplicateKey
	ParseErrDanglingReference
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseErrMalformedInput:
		return "malformed input"
	case ParseErrInvalidField:
		return "invalid field"
	case ParseErrDuplicateKey:
		return "duplicate key"
	case ParseErrDanglingReference:
		return "dangling reference"
	}
	return "unknown"
}

// ParseError describes why crm_mon output could not be turned into a
// snapshot. Field names the offending attribute or key.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse crm_mon output: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("parse crm_mon output: %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// XML documents as produced by crm_mon -X. Numeric attributes stay strings
// here so conversion failures surface as typed parse errors instead of
// unmarshal errors.
type crmMonXML struct {
	XMLName        xml.Name         `xml:"crm_mon"`
	Summary        summaryXML       `xml:"summary"`
	Nodes          []nodeXML        `xml:"nodes>node"`
	NodeAttributes []attrNodeXML    `xml:"node_attributes>node"`
	Resources      resourcesXML     `xml:"resources"`
	NodeHistory    []historyNodeXML `xml:"node_history>node"`
}

type summaryXML struct {
	LastUpdate struct {
		Time string `xml:"time,attr"`
	} `xml:"last_update"`
	LastChange struct {
		Time string `xml:"time,attr"`
	} `xml:"last_change"`
	CurrentDC struct {
		Present    string `xml:"present,attr"`
		WithQuorum string `xml:"with_quorum,attr"`
	} `xml:"current_dc"`
	NodesConfigured struct {
		Number string `xml:"number,attr"`
	} `xml:"nodes_configured"`
	ResourcesConfigured struct {
		Number string `xml:"number,attr"`
	} `xml:"resources_configured"`
	ClusterOptions struct {
		StonithEnabled string `xml:"stonith-enabled,attr"`
	} `xml:"cluster_options"`
}

type nodeXML struct {
	Name             string `xml:"name,attr"`
	Online           string `xml:"online,attr"`
	Standby          string `xml:"standby,attr"`
	Maintenance      string `xml:"maintenance,attr"`
	IsDC             string `xml:"is_dc,attr"`
	ResourcesRunning string `xml:"resources_running,attr"`
}

type attrNodeXML struct {
	Name       string `xml:"name,attr"`
	Attributes []struct {
		Name     string `xml:"name,attr"`
		Value    string `xml:"value,attr"`
		Expected string `xml:"expected,attr"`
	} `xml:"attribute"`
}

type resourceXML struct {
	ID             string `xml:"id,attr"`
	Agent          string `xml:"resource_agent,attr"`
	Role           string `xml:"role,attr"`
	Active         string `xml:"active,attr"`
	Orphaned       string `xml:"orphaned,attr"`
	Managed        string `xml:"managed,attr"`
	Failed         string `xml:"failed,attr"`
	FailureIgnored string `xml:"failure_ignored,attr"`
	NodesRunningOn string `xml:"nodes_running_on,attr"`
	Nodes          []struct {
		Name string `xml:"name,attr"`
	} `xml:"node"`
}

type resourcesXML struct {
	Resources []resourceXML `xml:"resource"`
	Clones    []struct {
		Resources []resourceXML `xml:"resource"`
	} `xml:"clone"`
	Groups []struct {
		Resources []resourceXML `xml:"resource"`
	} `xml:"group"`
}

type historyNodeXML struct {
	Name      string `xml:"name,attr"`
	Resources []struct {
		ID        string `xml:"id,attr"`
		FailCount string `xml:"fail-count,attr"`
	} `xml:"resource_history"`
}

var boolValues = map[string]bool{
	"true":  true,
	"1":     true,
	"false": false,
	"0":     false,
}

var roleValues = map[string]ResourceRole{
	"Started":    RoleStarted,
	"Stopped":    RoleStopped,
	"Master":     RoleMaster,
	"Promoted":   RoleMaster,
	"Slave":      RoleSlave,
	"Unpromoted": RoleSlave,
}

// parseBool is lenient on purpose, anything crm_mon reports that is not a
// recognized true value counts as false.
func parseBool(s string) bool {
	return boolValues[s]
}

// ParseStatus parses crm_mon XML output into a ClusterSnapshot. Unknown node
// states and resource roles normalize to "unknown" rather than failing, so
// new Pacemaker releases degrade gracefully. Structural problems return a
// typed ParseError.
func ParseStatus(out string, logger log.Logger) (*ClusterSnapshot, error) {
	var doc crmMonXML
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		return nil, &ParseError{Kind: ParseErrMalformedInput, Err: err}
	}

	var snapshot ClusterSnapshot
	summary, err := parseSummary(doc.Summary, logger)
	if err != nil {
		return nil, err
	}
	snapshot.Summary = summary

	nodeNames := make(map[string]bool)
	for _, n := range doc.Nodes {
		if nodeNames[n.Name] {
			return nil, &ParseError{Kind: ParseErrDuplicateKey, Field: n.Name}
		}
		nodeNames[n.Name] = true
		node := Node{
			Name:        n.Name,
			Status:      nodeStatus(n.Online, n.Standby),
			IsDC:        parseBool(n.IsDC),
			Maintenance: parseBool(n.Maintenance),
		}
		if n.ResourcesRunning != "" {
			node.ResourcesRunning, err = parseCount(n.ResourcesRunning, "resources_running")
			if err != nil {
				return nil, err
			}
		}
		snapshot.Nodes = append(snapshot.Nodes, node)
	}

	snapshot.Attributes = parseAttributes(doc.NodeAttributes, nodeNames, logger)

	failcounts, err := parseFailcounts(doc.NodeHistory, nodeNames, logger)
	if err != nil {
		return nil, err
	}

	for _, entry := range flattenResources(doc.Resources) {
		r := entry.res
		id, instance := splitResourceID(r.ID, entry.instance)
		resource := Resource{
			ID:             id,
			Instance:       instance,
			Agent:          r.Agent,
			Role:           resourceRole(r.Role),
			Active:         parseBool(r.Active),
			Managed:        parseBool(r.Managed),
			Failed:         parseBool(r.Failed),
			Orphaned:       parseBool(r.Orphaned),
			FailureIgnored: parseBool(r.FailureIgnored),
			Failcount:      failcounts[r.ID],
		}
		for _, n := range r.Nodes {
			if !nodeNames[n.Name] {
				return nil, &ParseError{Kind: ParseErrDanglingReference, Field: fmt.Sprintf("%s on %s", r.ID, n.Name)}
			}
			resource.Nodes = append(resource.Nodes, n.Name)
		}
		if r.NodesRunningOn != "" {
			resource.NodesRunningOn, err = parseCount(r.NodesRunningOn, "nodes_running_on")
			if err != nil {
				return nil, err
			}
		} else {
			resource.NodesRunningOn = float64(len(resource.Nodes))
		}
		if resource.Role == RoleStopped {
			snapshot.Summary.StoppedResources++
		}
		snapshot.Resources = append(snapshot.Resources, resource)
	}

	crossCheck(&snapshot, logger)
	return &snapshot, nil
}

func parseSummary(s summaryXML, logger log.Logger) (Summary, error) {
	summary := Summary{
		Quorum:         parseBool(s.CurrentDC.WithQuorum),
		DCPresent:      parseBool(s.CurrentDC.Present),
		StonithEnabled: parseBool(s.ClusterOptions.StonithEnabled),
	}
	var err error
	if s.NodesConfigured.Number != "" {
		summary.NodesConfigured, err = parseCount(s.NodesConfigured.Number, "nodes_configured")
		if err != nil {
			return summary, err
		}
	}
	if s.ResourcesConfigured.Number != "" {
		summary.ResourcesConfigured, err = parseCount(s.ResourcesConfigured.Number, "resources_configured")
		if err != nil {
			return summary, err
		}
	}
	summary.LastUpdate = parseSummaryTime(s.LastUpdate.Time, "last_update", logger)
	summary.LastChange = parseSummaryTime(s.LastChange.Time, "last_change", logger)
	return summary, nil
}

// parseSummaryTime is best-effort, crm_mon timestamps are informational and a
// format change should not fail the whole snapshot.
func parseSummaryTime(value string, field string, logger log.Logger) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.ANSIC, value)
	if err != nil {
		level.Warn(logger).Log("msg", "Unable to parse summary time", "field", field, "time", value, "err", err)
		return time.Time{}
	}
	return t
}

func parseCount(value string, field string) (float64, error) {
	count, err := strconv.ParseFloat(value, 64)
	if err != nil || count < 0 {
		return 0, &ParseError{Kind: ParseErrInvalidField, Field: field, Err: err}
	}
	return count, nil
}

func nodeStatus(online string, standby string) NodeStatus {
	onlineVal, okOnline := boolValues[online]
	standbyVal, okStandby := boolValues[standby]
	switch {
	case !okOnline || !okStandby:
		return NodeUnknown
	case standbyVal:
		return NodeStandby
	case onlineVal:
		return NodeOnline
	default:
		return NodeOffline
	}
}

func resourceRole(role string) ResourceRole {
	if r, ok := roleValues[role]; ok {
		return r
	}
	return RoleUnknown
}

type resourceEntry struct {
	res      resourceXML
	instance string
}

// flattenResources lifts resources out of clone and group containers, the
// metric model is flat. Clone members carry their index so anonymous clone
// instances sharing one resource ID stay distinguishable.
func flattenResources(r resourcesXML) []resourceEntry {
	var entries []resourceEntry
	for _, res := range r.Resources {
		entries = append(entries, resourceEntry{res: res})
	}
	for _, clone := range r.Clones {
		for i, res := range clone.Resources {
			entries = append(entries, resourceEntry{res: res, instance: strconv.Itoa(i)})
		}
	}
	for _, group := range r.Groups {
		for _, res := range group.Resources {
			entries = append(entries, resourceEntry{res: res})
		}
	}
	return entries
}

// splitResourceID separates "name:N" style clone instance IDs into base ID
// and instance, falling back to the clone index for anonymous instances.
func splitResourceID(id string, instance string) (string, string) {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, instance
}

// parseAttributes extracts numeric node attributes. Non-numeric values are
// skipped, the metric model has no place for them.
func parseAttributes(nodes []attrNodeXML, nodeNames map[string]bool, logger log.Logger) []NodeAttribute {
	var attributes []NodeAttribute
	for _, n := range nodes {
		if !nodeNames[n.Name] {
			level.Warn(logger).Log("msg", "node_attributes references unknown node", "node", n.Name)
		}
		for _, a := range n.Attributes {
			value, err := strconv.ParseFloat(a.Value, 64)
			if err != nil {
				level.Debug(logger).Log("msg", "Skipping non-numeric node attribute", "node", n.Name, "attribute", a.Name, "value", a.Value)
				continue
			}
			attribute := NodeAttribute{Node: n.Name, Name: a.Name, Value: value}
			if a.Expected != "" {
				expected, err := strconv.ParseFloat(a.Expected, 64)
				if err == nil {
					attribute.Expected = expected
					attribute.HasExpected = true
				}
			}
			attributes = append(attributes, attribute)
		}
	}
	return attributes
}

// parseFailcounts sums fail-counts per resource ID across the node history.
func parseFailcounts(history []historyNodeXML, nodeNames map[string]bool, logger log.Logger) (map[string]float64, error) {
	failcounts := make(map[string]float64)
	for _, node := range history {
		if !nodeNames[node.Name] {
			level.Warn(logger).Log("msg", "node_history references unknown node", "node", node.Name)
		}
		for _, r := range node.Resources {
			if r.FailCount == "" {
				continue
			}
			if r.FailCount == "INFINITY" {
				failcounts[r.ID] += failcountInfinity
				continue
			}
			count, err := strconv.ParseFloat(r.FailCount, 64)
			if err != nil || count < 0 {
				return nil, &ParseError{Kind: ParseErrInvalidField, Field: fmt.Sprintf("fail-count of %s", r.ID), Err: err}
			}
			failcounts[r.ID] += count
		}
	}
	return failcounts, nil
}

// crossCheck compares crm_mon's own counters against what was parsed. The
// tool's counters can briefly lag the node and resource lists, so a mismatch
// is only worth a warning.
func crossCheck(snapshot *ClusterSnapshot, logger log.Logger) {
	if want, have := snapshot.Summary.NodesConfigured, float64(len(snapshot.Nodes)); want != have {
		level.Warn(logger).Log("msg", "nodes_configured does not match node list", "nodes_configured", want, "nodes", have)
	}
	if want, have := snapshot.Summary.ResourcesConfigured, float64(len(snapshot.Resources)); want != have {
		level.Warn(logger).Log("msg", "resources_configured does not match resource list", "resources_configured", want, "resources", have)
	}
	var running float64
	for _, n := range snapshot.Nodes {
		running += n.ResourcesRunning
	}
	if running > snapshot.Summary.ResourcesConfigured {
		level.Warn(logger).Log("msg", "more resources running than configured", "running", running, "resources_configured", snapshot.Summary.ResourcesConfigured)
	}
}
