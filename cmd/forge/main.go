package main

import "forge/internal/forge"

func main() {
	forge.Main()
}
