package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/growlab/grow-controller/db"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command string
	var batchID int64
	var limit int
	var abort bool
	flag.StringVar(&dbPath, "db", "data/growctl.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: list-batches, list-deliveries, set-abort")
	flag.Int64Var(&batchID, "batch", 0, "Batch ID for list-deliveries")
	flag.IntVar(&limit, "limit", 20, "Number of batches to list")
	flag.BoolVar(&abort, "abort", false, "Abort flag value for set-abort")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of growctl-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/growctl.db')")
		fmt.Println("  -cmd string\tCommand to run: list-batches, list-deliveries, set-abort")
		fmt.Println("  -batch int\tBatch ID for list-deliveries")
		fmt.Println("  -limit int\tNumber of batches to list")
		fmt.Println("  -abort\tAbort flag value for set-abort")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	conn, err := db.Open(dbPath)
	if err != nil {
		fmt.Printf("Failed to open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	switch command {
	case "list-batches":
		records, err := db.ListBatches(conn, limit)
		if err != nil {
			fmt.Printf("Command %s failed: %v\n", command, err)
			os.Exit(1)
		}
		for _, r := range records {
			fmt.Printf("%d\t%s\t%.0fml\t%s\t%s\t%s\n", r.ID, r.State, r.WaterMl, r.Plants, r.StartedAt, r.Fault)
		}
	case "list-deliveries":
		if batchID == 0 {
			fmt.Println("Error: batch ID is required")
			os.Exit(1)
		}
		records, err := db.ListDeliveries(conn, batchID)
		if err != nil {
			fmt.Printf("Command %s failed: %v\n", command, err)
			os.Exit(1)
		}
		for _, r := range records {
			status := "ok"
			if !r.OK {
				status = r.Error
			}
			fmt.Printf("%d\t%s\t%s\t%.0fml\t%dms\t%s\n", r.ID, r.PlantID, r.PumpID, r.Ml, r.DurationMs, status)
		}
	case "set-abort":
		if err := db.SetAbortMode(conn, abort); err != nil {
			fmt.Printf("Command %s failed: %v\n", command, err)
			os.Exit(1)
		}
		fmt.Printf("Abort mode set to %v\n", abort)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}
}
