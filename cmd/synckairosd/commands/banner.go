package commands

import (
	"github.com/pterm/pterm"

	"github.com/apexphere/synckairos/version"
)

// printStartupBanner prints the server's startup summary: version,
// listen address, and the store/audit endpoints it resolved from config.
func printStartupBanner(listenAddr, storeAddr, auditDBPath string) {
	info := version.Get()

	pterm.Printf("%s %s\n", pterm.LightCyan("SyncKairos"), pterm.Gray(info.Version+" ("+info.Short()+")"))
	pterm.Printf("  %s %s\n", pterm.Gray("Listening:"), pterm.White(listenAddr))
	pterm.Printf("  %s %s\n", pterm.Gray("Store:"), pterm.White(storeAddr))
	pterm.Printf("  %s %s\n", pterm.Gray("Audit log:"), pterm.White(auditDBPath))
	pterm.Info.Println("Press Ctrl+C to stop")
}
