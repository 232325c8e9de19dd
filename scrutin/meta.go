package scrutin

// Version is the release version of the scrutin backend
var Version = "0.3.0-dev"

// Commit and BuildDate are injected at build time
var Commit = "0000000000000000000000000000000000000000"
var BuildDate = "2020-01-01T00:00:00Z"
