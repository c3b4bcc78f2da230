package main

import "github.com/unchainedshop/workqueue/services/scheduler/cli"

func main() {
	cli.Execute()
}
