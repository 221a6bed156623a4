// Package governance holds repository-wide conformance gates,
// implemented as tests so CI enforces them on every change:
//
//   - no literal "default" tool name anywhere in non-test source; the
//     realtime fallback is always the plugin's first declared tool
//   - no hardcoded plugin-name branches inside generic request paths
//   - every tool return crosses the JSON sanitizer boundary
//   - a host with zero plugins refuses to start
//   - every shipped pipeline resolves against the builtin plugin set
//
// The package exports nothing; it exists for its _test.go files.
package governance
