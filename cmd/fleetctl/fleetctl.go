package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/nats"
	"github.com/gitfleet/gitfleet/internal/status"
)

const requestTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "refresh":
		os.Exit(cmdRefresh(os.Args[2:]))
	case "cleanup":
		os.Exit(cmdCleanup(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fleetctl <command> [args]

Commands:
  status <repository-id>      Show the rollout status of a repository
  refresh <repository-id>     Force the watcher to re-emit the current commit
  cleanup -repo <id>          Delete a repository and prune its deployments
  cleanup -bundle <id>        Delete a bundle and prune its deployments

The NATS server is taken from NATS_URLS (default nats://localhost:4222).
`)
}

func connect() (*nats.Client, error) {
	cfg := &config.NATSConfig{
		URLs:          []string{"nats://localhost:4222"},
		MaxReconnects: 3,
		ReconnectWait: time.Second,
		Timeout:       5 * time.Second,
	}
	if urls := os.Getenv("NATS_URLS"); urls != "" {
		cfg.URLs = []string{urls}
	}
	return nats.NewClient(cfg, "fleetctl")
}

func cmdStatus(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: fleetctl status <repository-id>")
		return 1
	}
	repoID, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid repository id: %v\n", err)
		return 1
	}

	client, err := connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		return 1
	}
	defer client.Close()

	data, _ := json.Marshal(events.StatusRequest{RepositoryID: repoID})
	msg, err := client.Request(context.Background(), events.SubjectStatusRequest, data, requestTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		return 1
	}

	var summary status.RepoSummary
	if err := json.Unmarshal(msg.Data, &summary); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode status: %v\n", err)
		return 1
	}

	if summary.Ready {
		fmt.Printf("repository %s: Ready\n", repoID)
	} else {
		fmt.Printf("repository %s: NotReady (%s)\n", repoID, summary.Reason)
	}
	for _, b := range summary.Bundles {
		fmt.Printf("  bundle %s (%s): %d/%d clusters ready\n",
			b.BundleID, shortChecksum(b.Checksum), b.ReadyCount, b.TotalCount)
		for _, c := range b.PerCluster {
			line := fmt.Sprintf("    cluster %s: %s", c.ClusterID, c.State)
			if c.Reason != "" {
				line += " (" + c.Reason + ")"
			}
			fmt.Println(line)
		}
	}
	return 0
}

func cmdRefresh(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: fleetctl refresh <repository-id>")
		return 1
	}
	repoID, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid repository id: %v\n", err)
		return 1
	}

	client, err := connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		return 1
	}
	defer client.Close()

	data, _ := json.Marshal(events.ForceRefresh{RepositoryID: repoID})
	msg, err := client.Request(context.Background(), events.SubjectForceRefresh, data, requestTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refresh request failed: %v\n", err)
		return 1
	}
	if !replyOK(msg.Data) {
		return 1
	}
	fmt.Printf("refresh requested for %s\n", repoID)
	return 0
}

func cmdCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	repoFlag := fs.String("repo", "", "repository id to delete")
	bundleFlag := fs.String("bundle", "", "bundle id to delete")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if (*repoFlag == "") == (*bundleFlag == "") {
		fmt.Fprintln(os.Stderr, "usage: fleetctl cleanup -repo <id> | -bundle <id>")
		return 1
	}

	var req events.Cleanup
	if *repoFlag != "" {
		id, err := uuid.Parse(*repoFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid repository id: %v\n", err)
			return 1
		}
		req.RepositoryID = id
	} else {
		id, err := uuid.Parse(*bundleFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid bundle id: %v\n", err)
			return 1
		}
		req.BundleID = id
	}

	client, err := connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		return 1
	}
	defer client.Close()

	data, _ := json.Marshal(req)
	msg, err := client.Request(context.Background(), events.SubjectCleanup, data, requestTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup request failed: %v\n", err)
		return 1
	}
	if !replyOK(msg.Data) {
		return 1
	}
	fmt.Println("cleanup done")
	return 0
}

func replyOK(data []byte) bool {
	var reply events.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode reply: %v\n", err)
		return false
	}
	if !reply.OK {
		fmt.Fprintf(os.Stderr, "request rejected: %s\n", reply.Error)
		return false
	}
	return true
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
