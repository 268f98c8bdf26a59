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
	"html/template"
	"net/http"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/treydock/pacemaker_exporter/collector"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9202").String()
	metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
)

const statusTemplate = `<!DOCTYPE html>
<html>
<head><title>Pacemaker Exporter</title>
<style>
body { font-family: sans-serif; }
table { border-collapse: collapse; margin-bottom: 1em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
</style>
</head>
<body>
<h1>Pacemaker Exporter</h1>
{{- if .Snapshot }}
<p>Quorum: {{ if .Snapshot.Summary.Quorum }}yes{{ else }}no{{ end }},
nodes configured: {{ .Snapshot.Summary.NodesConfigured }},
resources configured: {{ .Snapshot.Summary.ResourcesConfigured }}</p>
{{- if .Err }}
<p><b>Last refresh failed, showing cached data from {{ .Snapshot.Timestamp }}: {{ .Err }}</b></p>
{{- end }}
<h2>Nodes</h2>
<table>
<tr><th>Name</th><th>Status</th><th>DC</th><th>Resources running</th></tr>
{{- range .Snapshot.Nodes }}
<tr><td>{{ .Name }}</td><td>{{ .Status }}</td><td>{{ if .IsDC }}yes{{ end }}</td><td>{{ .ResourcesRunning }}</td></tr>
{{- end }}
</table>
<h2>Resources</h2>
<table>
<tr><th>ID</th><th>Agent</th><th>Role</th><th>Nodes</th><th>Failed</th><th>Fail count</th></tr>
{{- range .Snapshot.Resources }}
<tr><td>{{ .ID }}{{ if .Instance }}:{{ .Instance }}{{ end }}</td><td>{{ .Agent }}</td><td>{{ .Role }}</td><td>{{ range $i, $n := .Nodes }}{{ if $i }}, {{ end }}{{ $n }}{{ end }}</td><td>{{ if .Failed }}yes{{ end }}</td><td>{{ .Failcount }}</td></tr>
{{- end }}
</table>
{{- else }}
<p>No cluster data available yet.</p>
{{- end }}
<p><a href="{{ .MetricsPath }}">Metrics</a> <a href="/xml">XML</a></p>
<p><small>{{ .Version }}</small></p>
</body>
</html>
`

// metricsHandler serves the exposition format from a dedicated registry. It
// gathers by hand instead of going through promhttp so a cold start can
// answer 503 while still rendering the body with pacemaker_up 0.
func metricsHandler(cache *collector.SnapshotCache, logger log.Logger) http.HandlerFunc {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector.NewPacemakerCollector(cache, log.With(logger, "component", "collector")))
	return func(w http.ResponseWriter, r *http.Request) {
		mfs, err := registry.Gather()
		if err != nil {
			level.Error(logger).Log("msg", "Error gathering metrics", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		format := expfmt.Negotiate(r.Header)
		w.Header().Set("Content-Type", string(format))
		if !cache.HasSnapshot() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				level.Error(logger).Log("msg", "Error encoding metric family", "err", err)
				return
			}
		}
	}
}

// statusHandler renders the snapshot as a small HTML page. It reads the same
// cache as the metrics handler, there is no second parse path.
func statusHandler(cache *collector.SnapshotCache, logger log.Logger) http.HandlerFunc {
	tmpl := template.Must(template.New("status").Parse(statusTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snapshot, err := cache.GetOrRefresh()
		data := struct {
			Snapshot    *collector.ClusterSnapshot
			Err         error
			MetricsPath string
			Version     string
		}{snapshot, err, *metricsPath, version.Info()}
		if snapshot == nil {
			data.Err = nil
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := tmpl.Execute(w, data); err != nil {
			level.Error(logger).Log("msg", "Error rendering status page", "err", err)
		}
	}
}

// xmlHandler exposes the raw crm_mon XML the current snapshot came from,
// mostly useful for debugging what the parser saw.
func xmlHandler(cache *collector.SnapshotCache, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = cache.GetOrRefresh()
		raw, err := cache.RawXML()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		if _, err := w.Write([]byte(raw)); err != nil {
			level.Error(logger).Log("msg", "Error writing XML response", "err", err)
		}
	}
}

func main() {
	promlogConfig := &promlog.Config{}
	promlogflag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("pacemaker_exporter"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()
	logger := promlog.New(promlogConfig)
	if err := collector.ValidateFlags(); err != nil {
		level.Error(logger).Log("msg", "Invalid configuration", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Starting pacemaker_exporter", "version", version.Info())
	level.Info(logger).Log("msg", "Build context", "build_context", version.BuildContext())
	level.Info(logger).Log("msg", "Listening", "address", *listenAddress)

	cache := collector.NewSnapshotCache(log.With(logger, "component", "cache"))
	http.Handle(*metricsPath, metricsHandler(cache, logger))
	http.Handle("/xml", xmlHandler(cache, logger))
	http.Handle("/", statusHandler(cache, logger))
	if err := http.ListenAndServe(*listenAddress, nil); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}
