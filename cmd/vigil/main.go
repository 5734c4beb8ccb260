// Vigil - Continuous AWS Compliance Auditor
// Sweep. Judge. Record.
package main

func main() {
	Execute()
}
