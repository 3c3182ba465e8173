// Command firmsctl works with FIRMS detection files and the analysis cache
// offline, using the same normalizer, scorer and cache store as the service.
//
// Usage:
//
//	firmsctl normalize fires.csv
//	firmsctl score fires.csv --temperature 34 --humidity 15 --wind-speed 9 --pm25 60
//	firmsctl cache sweep --dir ./cache
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
