// dlbridge-helper owns native libraries on behalf of a dlbridge client and
// serves calls over a Unix socket, so a crashing native call only takes
// down the helper.
package main

import "github.com/tinyrange/dlbridge/internal/helper"

func main() {
	helper.Main()
}
