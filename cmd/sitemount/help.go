package main

const (
	helpTextUse = "sitemount [flags] <root-dir>"

	helpTextShort = "a worker serving directories and ZIP files as websites"

	helpTextLong = `sitemount is an interception worker that serves static websites straight
from the directories and .zip archives below a root directory. Every client
(tab) mounts one directory or archive over the control channel, after which
its requests for the own origin are answered from that mount - archives are
decoded in memory and never unpacked to disk. All other requests are passed
through to the network. It includes a HTTP webserver for a responsive
diagnostics dashboard and runtime configurables.

The control channel is served on the reserved authority "service.worker":
- "POST /register" with {"type":"REGISTER","handle":{"kind":..,"path":..}}
- "POST /unregister" with {"type":"UNREGISTER"}
- "POST /message" with either of the above messages
- "GET /check" for probing the worker (answered with 200 ACK)

When running, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully shutting down the worker
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for worker dashboard and event ring-buffer
- "/metrics" for metrics in the Prometheus exposition format
- "/mounts" for the mounts of all clients (as JSON)
- "/unmount/<client>" for removing the mount of a client
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the worker metrics at runtime
- "/set/must-crc32/<bool>" for adapting forced integrity checking
- "/set/evict-on-error/<bool>" for evicting mounts after store errors
- "/set/stream-threshold/<string>" for adapting of the streaming threshold

All flags can also be set in a TOML file (see --config and --print-config),
with flags given on the command line taking precedence over the file.`
)
