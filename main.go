package main

import "duo-sync-backend/cmd"

func main() {
	cmd.Run()
}
