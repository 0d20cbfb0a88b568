// Command chargemix mixes pileup charge into recorded events and builds
// optimal charge filters from the result.
//
// Usage:
//
//	chargemix mix --config job.toml --archive mix.ccmx --pool pool.ntev --target data.ntev --seed 7
//	chargemix build-filters --archive mix.ccmx --output filters.hcfs --aux aux.csv
//	chargemix filters filters.hcfs
//	chargemix mkconfig --mean 1.5 dists.toml
package main

import (
	"os"

	"github.com/cwbudde/hcal-chargemix/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
