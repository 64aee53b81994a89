// Command loadstonectl uploads images, reads boot metrics and opens a
// console on a Loadstone device through a running loadstone-server.
package main

import "github.com/CK6170/loadstone-relay/internal/cli"

func main() {
	cli.Execute()
}
