package config

// DefaultConfigYAML is written by `squads init`.
const DefaultConfigYAML = `# squads configuration
#
# Values not specified here use built-in defaults.
# Any key can be overridden with SQUADS_<SECTION>_<KEY>, e.g. SQUADS_SERVER_PORT.

log:
  level: info
  format: auto

state:
  backend: sqlite          # sqlite | memory
  path: .squads/squads.db
  workers_backend: store   # store | redis (shared reservation across instances)

supervisor:
  executable: zeroclaw
  args: []
  grace_period: 10s
  spawn_concurrency: 4
  log_sink: store          # store | logger | both

workflow:
  templates_dir: .squads/templates
  watch_templates: true
  default_template: ""
  dangling_edge: fail      # fail | stall
  fail_orphaned_nodes: false

credentials:
  passthrough:
    - ANTHROPIC_API_KEY
    - OPENAI_API_KEY
    - GITHUB_TOKEN
    - GITLAB_TOKEN

server:
  host: 127.0.0.1
  port: 8080
  enable_cors: false

webhooks:
  github_secret: ""
  gitlab_token: ""

diagnostics:
  enabled: true
  interval: 30s
  worker_rss_mb: 2048      # warn when a worker process exceeds this (0 disables)
  host_mem_percent: 90
`
