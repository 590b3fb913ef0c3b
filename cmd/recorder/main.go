package main

import "github.com/eleven-am/meeting-recorder/internal/bootstrap"

func main() {
	bootstrap.Run()
}
