package main

import "swimdev/internal/swimdev"

func main() {
	swimdev.Main()
}
