package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ambulance/api"
	"github.com/kilianp07/ambulance/core/model"
)

var fleetFlags struct {
	server string
	status string
	lat    float64
	lng    float64
	limit  int
}

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered ambulances",
	RunE:  runFleetLs,
}

var fleetNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List available ambulances closest to a location",
	RunE:  runFleetNearby,
}

func init() {
	fleetCmd.PersistentFlags().StringVar(&fleetFlags.server, "server", "", "dispatch API base URL (client.base_url by default)")
	fleetLsCmd.Flags().StringVar(&fleetFlags.status, "status", "", "only list ambulances with this status")
	fleetNearbyCmd.Flags().Float64Var(&fleetFlags.lat, "lat", 0, "latitude")
	fleetNearbyCmd.Flags().Float64Var(&fleetFlags.lng, "lng", 0, "longitude")
	fleetNearbyCmd.Flags().IntVar(&fleetFlags.limit, "limit", 5, "maximum number of ambulances")
	_ = fleetNearbyCmd.MarkFlagRequired("lat")
	_ = fleetNearbyCmd.MarkFlagRequired("lng")
	fleetCmd.AddCommand(fleetLsCmd, fleetNearbyCmd)
	rootCmd.AddCommand(fleetCmd)
}

func fleetClient(cmd *cobra.Command) (*api.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if fleetFlags.server != "" {
		cfg.Client.BaseURL = fleetFlags.server
	}
	return api.NewClient(cmd.Context(), cfg.Client)
}

func runFleetLs(cmd *cobra.Command, args []string) error {
	client, err := fleetClient(cmd)
	if err != nil {
		return err
	}
	list, err := client.Ambulances(cmd.Context(), model.AmbulanceStatus(fleetFlags.status))
	if err != nil {
		return err
	}
	return printFleet(cmd.OutOrStdout(), list)
}

func runFleetNearby(cmd *cobra.Command, args []string) error {
	client, err := fleetClient(cmd)
	if err != nil {
		return err
	}
	loc := model.Location{Lat: fleetFlags.lat, Lng: fleetFlags.lng}
	list, err := client.NearbyAmbulances(cmd.Context(), loc, fleetFlags.limit)
	if err != nil {
		return err
	}
	return printNearby(cmd.OutOrStdout(), list)
}

func printFleet(w io.Writer, list []model.Ambulance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVEHICLE\tSTATUS\tLOCATION\tUPDATED")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.VehicleNumber, a.Status, a.CurrentLocation, a.UpdatedAt.Format("15:04:05"))
	}
	return tw.Flush()
}

func printNearby(w io.Writer, list []api.NearbyAmbulance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVEHICLE\tDISTANCE\tETA")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%.2f km\t%d min\n", a.ID, a.VehicleNumber, a.DistanceKM, a.PickupETAMinutes)
	}
	return tw.Flush()
}
