package bot

import (
	"fmt"
	"strings"

	"github.com/manash/imgrelay/internal/provider/catalog"
)

// commandNames overrides the /tti-<name> suffix shown in help for some backends.
var commandNames = map[string]string{
	"volcengine": "huoshan",
}

func commandName(provider string) string {
	if n, ok := commandNames[provider]; ok {
		return n
	}
	return provider
}

// HelpText lists the commands and marks each backend as active (✓) or not (✗).
func (d *Dispatcher) HelpText() string {
	reg := d.registry()

	var b strings.Builder
	b.WriteString("image generation help\n\n")
	b.WriteString("commands:\n")
	b.WriteString("/tti <prompt> - generate with the first available provider\n")
	b.WriteString("/文生图 <prompt> - same as /tti\n")
	b.WriteString("/iti <instruction> - edit up to 3 images you send next\n")
	b.WriteString("/cancel - abandon an open edit session\n\n")

	b.WriteString("per-provider commands:\n")
	for _, name := range catalog.Names() {
		status := "✗"
		if reg.IsActive(name) {
			status = "✓"
		}
		fmt.Fprintf(&b, "  /tti-%s <prompt> - %s\n", commandName(name), status)
	}

	active := reg.Active()
	b.WriteString("\navailable providers: ")
	if len(active) == 0 {
		b.WriteString("none")
	} else {
		b.WriteString(strings.Join(active, ", "))
	}
	b.WriteString("\n\nexamples:\n")
	b.WriteString("/tti an orange kitten on a sunny windowsill\n")
	b.WriteString("/tti-huoshan a Chinese ink landscape\n")
	b.WriteString("/iti put the clock from image 1 next to the vase in image 2\n\n")
	b.WriteString("notes:\n")
	b.WriteString("• ppio and image editing run as async tasks and may take up to a few minutes\n")
	fmt.Fprintf(&b, "• image editing requires the %s provider\n", d.opts.EditProvider)
	return b.String()
}
