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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/treydock/pacemaker_exporter/collector"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	address = "localhost:19202"
)

var statusXML = `<?xml version="1.0"?>
<crm_mon version="2.0.3">
  <summary>
    <stack type="corosync"/>
    <current_dc present="true" name="node1" id="1" with_quorum="true"/>
    <last_update time="Tue Jan  7 10:01:02 2020"/>
    <nodes_configured number="2"/>
    <resources_configured number="1" disabled="0" blocked="0"/>
    <cluster_options stonith-enabled="true"/>
  </summary>
  <nodes>
    <node name="node1" id="1" online="true" standby="false" maintenance="false" is_dc="true" resources_running="1"/>
    <node name="node2" id="2" online="true" standby="true" maintenance="false" is_dc="false" resources_running="0"/>
  </nodes>
  <resources>
    <resource id="vip" resource_agent="ocf::heartbeat:IPaddr2" role="Started" active="true" orphaned="false" managed="true" failed="false" failure_ignored="false" nodes_running_on="1">
      <node name="node1" id="1" cached="false"/>
    </resource>
  </resources>
</crm_mon>
`

func TestMain(m *testing.M) {
	if _, err := kingpin.CommandLine.Parse([]string{}); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	collector.CrmMonExec = func(path string, ctx context.Context) (string, error) {
		return statusXML, nil
	}
	cache := collector.NewSnapshotCache(log.NewNopLogger())
	go func() {
		http.Handle("/metrics", metricsHandler(cache, log.NewNopLogger()))
		http.Handle("/xml", xmlHandler(cache, log.NewNopLogger()))
		http.Handle("/", statusHandler(cache, log.NewNopLogger()))
		err := http.ListenAndServe(address, nil)
		if err != nil {
			os.Exit(1)
		}
	}()
	time.Sleep(1 * time.Second)

	exitVal := m.Run()

	os.Exit(exitVal)
}

func TestMetricsHandler(t *testing.T) {
	body, err := queryExporter("/metrics", http.StatusOK)
	if err != nil {
		t.Fatalf("Unexpected error GET /metrics: %s", err.Error())
	}
	if !strings.Contains(body, "pacemaker_up 1") {
		t.Errorf("Unexpected value for pacemaker_up")
	}
	if !strings.Contains(body, "pacemaker_quorum 1") {
		t.Errorf("Unexpected value for pacemaker_quorum")
	}
	if !strings.Contains(body, `pacemaker_node_status{node="node2",status="standby"} 1`) {
		t.Errorf("Missing node status metric, body:\n%s", body)
	}
}

func TestStatusPage(t *testing.T) {
	body, err := queryExporter("/", http.StatusOK)
	if err != nil {
		t.Fatalf("Unexpected error GET /: %s", err.Error())
	}
	if !strings.Contains(body, "node1") {
		t.Errorf("Status page missing node1, body:\n%s", body)
	}
	if !strings.Contains(body, "vip") {
		t.Errorf("Status page missing resource vip, body:\n%s", body)
	}
}

func TestXMLEndpoint(t *testing.T) {
	body, err := queryExporter("/xml", http.StatusOK)
	if err != nil {
		t.Fatalf("Unexpected error GET /xml: %s", err.Error())
	}
	if !strings.Contains(body, "<crm_mon") {
		t.Errorf("Expected crm_mon XML body, got:\n%s", body)
	}
}

func TestXMLEndpointColdStart(t *testing.T) {
	prevExec := collector.CrmMonExec
	defer func() { collector.CrmMonExec = prevExec }()
	collector.CrmMonExec = func(path string, ctx context.Context) (string, error) {
		return "", &collector.FetchError{Kind: collector.FetchErrNonZeroExit, Err: errors.New("exit status 1")}
	}
	cache := collector.NewSnapshotCache(log.NewNopLogger())
	server := httptest.NewServer(xmlHandler(cache, log.NewNopLogger()))
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestMetricsHandlerColdStart(t *testing.T) {
	prevExec := collector.CrmMonExec
	defer func() { collector.CrmMonExec = prevExec }()
	collector.CrmMonExec = func(path string, ctx context.Context) (string, error) {
		return "", &collector.FetchError{Kind: collector.FetchErrNonZeroExit, Err: errors.New("exit status 1")}
	}
	cache := collector.NewSnapshotCache(log.NewNopLogger())
	server := httptest.NewServer(metricsHandler(cache, log.NewNopLogger()))
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "pacemaker_up 0") {
		t.Errorf("Expected pacemaker_up 0 in cold start body:\n%s", b)
	}
}

func TestStatusPageColdStart(t *testing.T) {
	prevExec := collector.CrmMonExec
	defer func() { collector.CrmMonExec = prevExec }()
	collector.CrmMonExec = func(path string, ctx context.Context) (string, error) {
		return "", &collector.FetchError{Kind: collector.FetchErrNonZeroExit, Err: errors.New("exit status 1")}
	}
	cache := collector.NewSnapshotCache(log.NewNopLogger())
	server := httptest.NewServer(statusHandler(cache, log.NewNopLogger()))
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "No cluster data available yet") {
		t.Errorf("Expected no data notice in cold start body:\n%s", b)
	}
}

func queryExporter(path string, want int) (string, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", address, path))
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if err := resp.Body.Close(); err != nil {
		return "", err
	}
	if have := resp.StatusCode; want != have {
		return "", fmt.Errorf("want %s status code %d, have %d. Body:\n%s", path, want, have, b)
	}
	return string(b), nil
}
