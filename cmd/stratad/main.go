package main

import strata "github.com/strata-build/strata"

func main() {
	strata.Run()
}
