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
	"time"
)

// NodeStatus is the normalized state of a cluster node. Values crm_mon does
// not report as plain booleans normalize to NodeUnknown.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeStandby NodeStatus = "standby"
	NodeUnknown NodeStatus = "unknown"
)

// ResourceRole is the normalized role of a cluster resource. Pacemaker 2.1
// renamed Master/Slave to Promoted/Unpromoted, both spellings normalize to
// the same values here so metric labels stay stable across an upgrade.
type ResourceRole string

const (
	RoleStarted ResourceRole = "started"
	RoleStopped ResourceRole = "stopped"
	RoleMaster  ResourceRole = "master"
	RoleSlave   ResourceRole = "slave"
	RoleUnknown ResourceRole = "unknown"
)

type Node struct {
	Name             string
	Status           NodeStatus
	IsDC             bool
	Maintenance      bool
	ResourcesRunning float64
}

// Resource is one resource instance. Anonymous clone instances share an ID
// and are told apart by Instance, either the suffix of a "name:N" style ID or
// the instance's index within the clone. Plain resources have an empty
// Instance.
type Resource struct {
	ID             string
	Instance       string
	Agent          string
	Role           ResourceRole
	Nodes          []string
	Active         bool
	Managed        bool
	Failed         bool
	Orphaned       bool
	FailureIgnored bool
	Failcount      float64
	NodesRunningOn float64
}

// NodeAttribute is one numeric transient attribute of a node, such as pingd
// connectivity scores. Non-numeric attributes are not represented.
type NodeAttribute struct {
	Node        string
	Name        string
	Value       float64
	Expected    float64
	HasExpected bool
}

type Summary struct {
	Quorum              bool
	DCPresent           bool
	StonithEnabled      bool
	NodesConfigured     float64
	ResourcesConfigured float64
	StoppedResources    float64
	LastUpdate          time.Time
	LastChange          time.Time
}

// ClusterSnapshot is a point-in-time view of the cluster as reported by one
// crm_mon run. It is never mutated after ParseStatus returns it, readers can
// share it freely.
type ClusterSnapshot struct {
	Timestamp  time.Time
	Summary    Summary
	Nodes      []Node
	Attributes []NodeAttribute
	Resources  []Resource
}
