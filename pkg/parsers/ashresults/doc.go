// Package ashresults reads the on-disk layout written by the scanner
// pipeline and reconstructs scan progress from it.
//
// Layout:
//
//	<output_dir>/
//	  scanners/<scanner>/<target_type>/ASH.ScanResults.json
//	  reports/ash.sarif, ash.html, ...
//	  ash_aggregated_results.json
//
// Every function re-reads the directory tree. Nothing is cached between
// calls, so progress can be queried from any process that can see the
// output directory.
package ashresults
