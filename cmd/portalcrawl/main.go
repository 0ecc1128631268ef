// Package main is the entry point for the portalcrawl binary.
package main

import "github.com/studyatlas/portal-crawler/cmd"

func main() {
	cmd.Execute()
}
