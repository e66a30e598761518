package arg

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/SoarinFerret/ChannelWarden/internal/engine"
	"github.com/SoarinFerret/ChannelWarden/internal/ipc"
)

var (
	grantScope   string
	grantUser    string
	grantMinutes int32
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant bonus minutes to a user's active cycle",
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			log.Fatal("Failed to connect to system bus:", err)
		}
		defer conn.Close()

		obj := conn.Object(ipc.ServiceName, dbus.ObjectPath(ipc.ObjectPath))

		var result string
		err = obj.Call(ipc.InterfaceName+".GrantBonus", 0, grantScope, grantUser, grantMinutes).Store(&result)
		if err != nil {
			log.Fatal("Failed to call method:", err)
		}

		var st struct {
			engine.Status
			Unlocked bool `json:"unlocked"`
		}
		if err := json.Unmarshal([]byte(result), &st); err != nil {
			log.Fatal("Failed to parse response:", err)
		}

		note := ""
		if st.Unlocked {
			note = " (hard lock released)"
		}
		fmt.Printf("Granted %d bonus minutes to %s%s\n", grantMinutes, st.User, note)
		fmt.Printf("  Limit now: %.1f min, used: %.1f min\n", st.EffectiveLimit, st.AccumulatedMinutes)
	},
}

func init() {
	grantCmd.Flags().StringVarP(&grantScope, "scope", "s", "", "scope (server/room) of the user")
	grantCmd.Flags().StringVarP(&grantUser, "user", "u", "", "user to grant minutes to")
	grantCmd.Flags().Int32VarP(&grantMinutes, "minutes", "m", 60, "bonus minutes to add")
	grantCmd.MarkFlagRequired("scope")
	grantCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(grantCmd)
}
