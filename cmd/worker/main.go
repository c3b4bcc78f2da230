package main

import "github.com/unchainedshop/workqueue/services/worker/cli"

func main() {
	cli.Execute()
}
