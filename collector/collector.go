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
	"fmt"
	"os/exec"

	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	namespace = "pacemaker"
)

var (
	crmMonPath   = kingpin.Flag("path.crm_mon", "Path to crm_mon").Default("/usr/sbin/crm_mon").String()
	fetchTimeout = kingpin.Flag("collector.timeout", "Timeout in seconds for executing crm_mon").Default("10").Int()
	pollInterval = kingpin.Flag("collector.poll-interval", "Minimum interval between crm_mon executions, scrapes inside the interval are served from cache").Default("5s").Duration()
	maxStale     = kingpin.Flag("collector.max-stale", "How long a cached cluster snapshot may be served after crm_mon starts failing").Default("5m").Duration()
	execCommand  = exec.CommandContext
)

// ValidateFlags checks collector flag values after kingpin parsing so that
// misconfiguration is caught at startup rather than on the first scrape.
func ValidateFlags() error {
	if *crmMonPath == "" {
		return fmt.Errorf("--path.crm_mon must not be empty")
	}
	if *fetchTimeout <= 0 {
		return fmt.Errorf("--collector.timeout must be positive, got %d", *fetchTimeout)
	}
	if *pollInterval < 0 {
		return fmt.Errorf("--collector.poll-interval must not be negative, got %s", *pollInterval)
	}
	if *maxStale <= *pollInterval {
		return fmt.Errorf("--collector.max-stale (%s) must be larger than --collector.poll-interval (%s)", *maxStale, *pollInterval)
	}
	return nil
}
