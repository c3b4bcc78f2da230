package main

import "github.com/unchainedshop/workqueue/services/api/cli"

func main() {
	cli.Execute()
}
