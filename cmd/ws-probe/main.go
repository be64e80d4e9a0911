// Command ws-probe is a manual test harness for the collaboration endpoint.
// It connects as a participant, prints every envelope the server sends, and
// can emit synthetic cursor traffic to exercise broadcast fan-out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openequity/collab/auth"
	"github.com/openequity/collab/client"
	"github.com/openequity/collab/collab"
)

func main() {
	var (
		endpoint   = flag.String("endpoint", "ws://localhost:8080/ws/collab", "websocket endpoint")
		sessionID  = flag.String("session", "", "session ID to join")
		userID     = flag.String("user", "", "user ID to connect as")
		token      = flag.String("token", "", "connection token (minted locally when -signing-key is set)")
		signingKey = flag.String("signing-key", "", "mint a token with this key instead of -token")
		cursors    = flag.Bool("cursors", false, "emit a cursor_move every second")
	)
	flag.Parse()

	if *sessionID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: ws-probe -session <id> -user <id> [-token <jwt> | -signing-key <key>]")
		os.Exit(2)
	}

	connToken := *token
	if connToken == "" && *signingKey != "" {
		minted, err := auth.MintToken([]byte(*signingKey), *userID, *userID,
			[]string{collab.PermissionRead, collab.PermissionWrite}, time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
			os.Exit(1)
		}
		connToken = minted
	}
	if connToken == "" {
		fmt.Fprintln(os.Stderr, "either -token or -signing-key is required")
		os.Exit(2)
	}

	c, err := client.New(client.Config{
		Endpoint:  *endpoint,
		SessionID: *sessionID,
		UserID:    *userID,
		Token:     connToken,
		OnState: func(s client.State) {
			fmt.Printf("--- state: %s\n", s)
		},
		OnEnvelope: func(env *collab.Envelope) {
			pretty, err := json.MarshalIndent(env, "", "  ")
			if err != nil {
				fmt.Printf("<<< %s (unprintable: %v)\n", env.Type, err)
				return
			}
			fmt.Printf("<<< %s\n%s\n", env.Type, pretty)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s as %s in session %s\n", *endpoint, *userID, *sessionID)

	if *cursors {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					err := c.SendPayload(collab.MessageTypeCursorMove, map[string]any{
						"x": rand.Float64() * 1000,
						"y": rand.Float64() * 1000,
					})
					if err != nil {
						fmt.Fprintf(os.Stderr, "cursor send failed: %v\n", err)
					}
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	c.Disconnect()
	fmt.Println("disconnected")
}
