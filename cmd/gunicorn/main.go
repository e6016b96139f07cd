package main

import (
	"github.com/benoitc/gunicorn-sub001/internal/cli"

	_ "github.com/benoitc/gunicorn-sub001/internal/apps"
)

func main() {
	cli.Execute()
}
