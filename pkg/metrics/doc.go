/*
Package metrics provides Prometheus metrics and health checking for Gantry.

All collectors are package-level variables registered with the default
registry in init(). The loader and normalize collectors follow the
pipeline wire contract: loader_jobs_counter counts job status
transitions, loader_last_package_jobs_counter mirrors the package
currently being loaded, normalize_* track event throughput and schema
versions per schema. The runs_* family is maintained by the run loop
and feeds operational alerting (consecutive failure gauges reset on
recovery).

Handler() exposes everything for scraping; the health checker tracks
named components and backs the /health and /ready endpoints.
*/
package metrics
