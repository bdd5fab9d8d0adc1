// Command td is the taskdock CLI: an offline-first task manager that
// mirrors a remote record store into a local SQLite database, queues edits
// made offline, and reconciles them when connectivity returns.
package main

func main() {
	Execute()
}
