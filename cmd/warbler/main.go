package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warbler-im/warbler/internal/app"
	"github.com/warbler-im/warbler/internal/config"
	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	defer application.Close()

	printEvents(application)

	if cfg.General.AutoConnect && cfg.Account.JID != "" {
		if err := application.Connect(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		}
	}

	repl(application)
}

// printEvents mirrors bus traffic onto stdout.
func printEvents(a *app.App) {
	a.Bus.Subscribe(event.ConnectionEstablished, func(payload any) {
		if ev, ok := payload.(engine.ConnectionEvent); ok {
			fmt.Printf("* connected as %s\n", ev.JID)
		}
	})
	a.Bus.Subscribe(event.ConnectionLost, func(payload any) {
		fmt.Println("* connection lost")
	})
	a.Bus.Subscribe(event.Reconnecting, func(payload any) {
		fmt.Println("* reconnecting...")
	})
	a.Bus.Subscribe(event.MessageReceived, func(payload any) {
		if msg, ok := payload.(engine.Message); ok {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.From, msg.Body)
		}
	})
	a.Bus.Subscribe(event.MessageReceipt, func(payload any) {
		if ev, ok := payload.(engine.ReceiptEvent); ok {
			fmt.Printf("* %s delivered %s\n", ev.From, ev.MessageID)
		}
	})
	a.Bus.Subscribe(event.RoomJoined, func(payload any) {
		if ev, ok := payload.(engine.RoomEvent); ok {
			fmt.Printf("* joined %s as %s\n", ev.Room, ev.Nickname)
		}
	})
	a.Bus.Subscribe(event.RoomLeft, func(payload any) {
		if ev, ok := payload.(engine.RoomEvent); ok {
			fmt.Printf("* left %s\n", ev.Room)
		}
	})
}

func repl(a *app.App) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("warbler ready; /help for commands")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		run(a, line)
	}
}

func run(a *app.App, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Println(`/connect                    sign in with the configured account
/disconnect                 sign out
/status                     show connection state
/roster                     list contacts
/add <jid>                  add a contact
/remove <jid>               remove a contact
/msg <jid> <text>           send a direct message
/gmsg <room> <text>         send a room message
/history <jid> [n]          show recent messages
/purge <jid>                delete stored messages for a conversation
/join <room> [nick]         join a room
/create <room> [nick]       create a room
/leave <room>               leave a room
/destroy <room>             destroy a room
/rooms [service]            list rooms on the room service
/profile [jid]              show a profile
/quit                       exit`)

	case "/connect":
		report(a.Connect(ctx))

	case "/disconnect":
		report(a.Backend.Disconnect())

	case "/status":
		fmt.Println(a.Backend.Status())

	case "/roster":
		entries, err := a.Roster(ctx)
		if err != nil {
			report(err)
			return
		}
		for _, entry := range entries {
			name := entry.Name
			if name == "" {
				name = entry.JID
			}
			fmt.Printf("%-30s %s [%s]\n", name, entry.JID, entry.Subscription)
		}

	case "/add":
		if len(args) < 1 {
			fmt.Println("usage: /add <jid>")
			return
		}
		report(a.Backend.AddContact(ctx, args[0]))

	case "/remove":
		if len(args) < 1 {
			fmt.Println("usage: /remove <jid>")
			return
		}
		report(a.Backend.RemoveContact(ctx, args[0]))

	case "/msg", "/gmsg":
		if len(args) < 2 {
			fmt.Printf("usage: %s <recipient> <text>\n", cmd)
			return
		}
		opts := engine.SendOptions{Kind: engine.KindDirect}
		if cmd == "/gmsg" {
			opts.Kind = engine.KindGroup
		}
		msg, err := a.Backend.SendMessage(ctx, args[0], strings.Join(args[1:], " "), opts)
		if err != nil {
			report(err)
			return
		}
		a.SaveSent(msg)

	case "/history":
		if len(args) < 1 {
			fmt.Println("usage: /history <jid> [n]")
			return
		}
		limit := 20
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil {
				limit = n
			}
		}
		msgs, err := a.History(ctx, args[0], limit)
		if err != nil {
			report(err)
			return
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("Jan 2 15:04"), m.From, m.Body)
		}

	case "/purge":
		if len(args) < 1 {
			fmt.Println("usage: /purge <jid>")
			return
		}
		report(a.PurgeHistory(args[0]))

	case "/join", "/create":
		if len(args) < 1 {
			fmt.Printf("usage: %s <room> [nick]\n", cmd)
			return
		}
		nick := ""
		if len(args) > 1 {
			nick = args[1]
		}
		if cmd == "/create" {
			report(a.Backend.CreateRoom(ctx, args[0], nick))
		} else {
			report(a.Backend.JoinRoom(ctx, args[0], nick))
		}

	case "/leave":
		if len(args) < 1 {
			fmt.Println("usage: /leave <room>")
			return
		}
		report(a.Backend.LeaveRoom(ctx, args[0]))

	case "/destroy":
		if len(args) < 1 {
			fmt.Println("usage: /destroy <room>")
			return
		}
		report(a.Backend.DestroyRoom(ctx, args[0], ""))

	case "/rooms":
		service := ""
		if len(args) > 0 {
			service = args[0]
		}
		rooms, err := a.Backend.ListRooms(ctx, service)
		if err != nil {
			report(err)
			return
		}
		for _, room := range rooms {
			if room.Name != "" {
				fmt.Printf("%s (%s)\n", room.JID, room.Name)
			} else {
				fmt.Println(room.JID)
			}
		}

	case "/profile":
		target := a.Config.Account.JID
		if len(args) > 0 {
			target = args[0]
		}
		profile, err := a.Backend.GetProfile(ctx, target)
		if err != nil {
			report(err)
			return
		}
		if profile == nil {
			fmt.Println("no profile")
			return
		}
		fmt.Printf("%s\n", profile.JID)
		if profile.FullName != "" {
			fmt.Printf("  name: %s\n", profile.FullName)
		}
		if profile.Description != "" {
			fmt.Printf("  about: %s\n", profile.Description)
		}
		if len(profile.PhotoData) > 0 {
			fmt.Printf("  photo: %d bytes (%s)\n", len(profile.PhotoData), profile.PhotoType)
		} else if profile.PhotoURL != "" {
			fmt.Printf("  photo: %s\n", profile.PhotoURL)
		}

	default:
		fmt.Printf("unknown command %s; /help for commands\n", cmd)
	}
}

func report(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}
