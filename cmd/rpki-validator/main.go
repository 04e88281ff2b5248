// Command rpki-validator walks the certificate trees rooted at a
// directory of trust anchor locators, validates ROAs and router keys,
// and publishes the resulting VRP table, either as a single pass
// ("validate") or as a long-running cycle daemon ("serve").
package main

func main() {
	Execute()
}
