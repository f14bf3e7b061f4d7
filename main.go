// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("💸 go-budgetsync - Offline-First Household Budget Sync")
	fmt.Println("======================================================")
	fmt.Println()
	fmt.Println("go-budgetsync records budget edits locally, shows them immediately, and")
	fmt.Println("delivers them to the server one at a time with retries once it is reachable.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Budget Server (examples/budget_server/)")
	fmt.Println("   Household budget API on net/http and PostgreSQL")
	fmt.Println("   Features: JWT auth, {d}/{err} envelopes, /ini snapshot")
	fmt.Println("   Run: go run ./examples/budget_server")
	fmt.Println()

	fmt.Println("2. 📱 Offline Client (examples/offline_client/)")
	fmt.Println("   CLI that queues edits in SQLite and syncs them later")
	fmt.Println("   Features: offline scenario, queue inspection, manual retry, refresh")
	fmt.Println("   Run: go run ./examples/offline_client --help")
	fmt.Println()
}
