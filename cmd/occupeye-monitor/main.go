package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/occupeye/cmd/occupeye-monitor/app"
)

func main() {
	app.NewApp().Run()
}
