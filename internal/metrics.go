package internal

import "expvar"

var (
	requestsTotal   = expvar.NewMap("npmmirror_requests_total")
	parseErrors     = expvar.NewMap("npmmirror_parse_errors_total")
	publishErrors   = expvar.NewMap("npmmirror_publish_errors_total")
	syncRuns        = expvar.NewMap("npmmirror_sync_runs_total")
	versionOutcomes = expvar.NewMap("npmmirror_versions_total")
	repoOutcomes    = expvar.NewMap("npmmirror_repositories_total")
	tarballs        = expvar.NewMap("npmmirror_tarballs_total")
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

// IncPublishError counts failed publishes by topic.
func IncPublishError(topic string) {
	publishErrors.Add(topic, 1)
}

// IncSyncRun counts finished runs by status ("ok" or "failed").
func IncSyncRun(status string) {
	syncRuns.Add(status, 1)
}

// AddVersionOutcomes counts commit outcomes by kind.
func AddVersionOutcomes(kind string, n int) {
	if n == 0 {
		return
	}
	versionOutcomes.Add(kind, int64(n))
}

// IncRepositoryOutcome counts repository results ("synced", "absent", "failed").
func IncRepositoryOutcome(status string) {
	repoOutcomes.Add(status, 1)
}

// AddTarballs counts tarball resolutions ("downloaded" or "cached").
func AddTarballs(kind string, n int) {
	if n == 0 {
		return
	}
	tarballs.Add(kind, int64(n))
}
