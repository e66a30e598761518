package arg

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/SoarinFerret/ChannelWarden/internal/engine"
	"github.com/SoarinFerret/ChannelWarden/internal/ipc"
)

var (
	statusScope string
	statusUser  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a user's live usage against their quota",
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			log.Fatal("Failed to connect to system bus:", err)
		}
		defer conn.Close()

		obj := conn.Object(ipc.ServiceName, dbus.ObjectPath(ipc.ObjectPath))

		var result string
		err = obj.Call(ipc.InterfaceName+".GetStatus", 0, statusScope, statusUser).Store(&result)
		if err != nil {
			log.Fatal("Failed to call method:", err)
		}

		var st engine.Status
		if err := json.Unmarshal([]byte(result), &st); err != nil {
			log.Fatal("Failed to parse status:", err)
		}

		fmt.Printf("User %s in scope %s:\n", st.User, st.Scope)
		fmt.Printf("  Used:      %.1f min\n", st.AccumulatedMinutes)
		fmt.Printf("  Limit:     %.1f min (base %.1f + bonus %.1f)\n",
			st.EffectiveLimit, st.BaseLimitMinutes, st.BonusMinutes)
		fmt.Printf("  Remaining: %.1f min\n", st.RemainingMinutes)
		fmt.Printf("  Phase:     %s\n", st.Phase)
		fmt.Printf("  Cycle ends: %s\n", st.CycleEndsAt.Local().Format(time.RFC1123))
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusScope, "scope", "s", "", "scope (server/room) to query")
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "user to query")
	statusCmd.MarkFlagRequired("scope")
	statusCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
}
