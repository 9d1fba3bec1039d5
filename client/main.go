package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/salachat/client-go/pkg/api"
	"github.com/salachat/client-go/pkg/auth"
	"github.com/salachat/client-go/pkg/config"
	"github.com/salachat/client-go/pkg/reconcile"
	"github.com/salachat/client-go/pkg/reconnect"
	"github.com/salachat/client-go/pkg/session"
)

func main() {
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	room := flag.Int64("room", 0, "room id to join on start")
	apiURL := flag.String("api", "", "backend base URL (overrides CHAT_API_URL)")
	wsURL := flag.String("ws", "", "websocket base URL (overrides CHAT_WS_URL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *email == "" || *password == "" {
		log.Fatal("both -email and -password are required")
	}

	ctx := context.Background()

	// 1. Login to get token
	tokens := auth.NewMemoryStore()
	backend := api.NewClient(cfg.APIURL, tokens)
	backend.SetHistoryLimit(cfg.HistoryLimit)

	log.Printf("logging in as %s", *email)
	login, err := backend.Login(ctx, *email, *password)
	if err != nil {
		log.Fatal("login: ", err)
	}
	tokens.SetAuth(login.AccessToken, login.User)
	log.Printf("logged in as %s (id %d)", login.User.Username, login.User.ID)

	// 2. Start the session
	s := session.New(backend, tokens, login.User, session.Options{
		WSURL:             cfg.WSURL,
		ReconnectInterval: cfg.ReconnectInterval,
		MaxReconnects:     cfg.MaxReconnects,
		PollInterval:      cfg.PollInterval,
		TypingTimeout:     cfg.TypingTimeout,
		MatchWindow:       cfg.MatchWindow,
		Heartbeat:         cfg.Heartbeat,
		MaxMessageLen:     cfg.MaxMessageLen,
	})
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		render(s)
	}()

	if *room != 0 {
		if err := s.Join(ctx, *room); err != nil {
			log.Fatal("join: ", err)
		}
	} else {
		listRooms(ctx, backend)
		fmt.Println("pick one with /join <id>")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 3. Read commands and messages from stdin
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}
			if text == "/quit" {
				interrupt <- os.Interrupt
				return
			}
			handle(ctx, s, backend, text)
			fmt.Print("> ")
		}
	}()

	select {
	case <-interrupt:
		log.Println("shutting down")
		s.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
	}
}

func handle(ctx context.Context, s *session.Session, backend *api.Client, text string) {
	switch {
	case text == "/rooms":
		listRooms(ctx, backend)

	case strings.HasPrefix(text, "/join "):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "/join ")), 10, 64)
		if err != nil {
			fmt.Println("usage: /join <room id>")
			return
		}
		if err := s.Join(ctx, id); err != nil {
			log.Println("join:", err)
		}

	case text == "/leave":
		s.Leave()

	case text == "/typing":
		if err := s.SendTyping(true); err != nil {
			log.Println("typing:", err)
		}

	case strings.HasPrefix(text, "/retry "):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "/retry ")), 10, 64)
		if err != nil {
			fmt.Println("usage: /retry <local id>")
			return
		}
		if err := s.Retry(id); err != nil {
			log.Println("retry:", err)
		}

	case strings.HasPrefix(text, "/upload "):
		sendFile(ctx, s, backend, strings.TrimSpace(strings.TrimPrefix(text, "/upload ")))

	case strings.HasPrefix(text, "/"):
		fmt.Println("commands: /rooms /join <id> /leave /typing /retry <local id> /upload <path> /quit")

	default:
		if _, err := s.Send(text); err != nil {
			log.Println("send:", err)
		}
	}
}

func listRooms(ctx context.Context, backend *api.Client) {
	rooms, err := backend.Rooms(ctx)
	if err != nil {
		log.Println("rooms:", err)
		return
	}
	for _, r := range rooms {
		fmt.Printf("  %d  %s  %s\n", r.ID, r.Name, r.Description)
	}
}

func sendFile(ctx context.Context, s *session.Session, backend *api.Client, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Println("upload:", err)
		return
	}
	defer f.Close()

	upload, err := backend.Upload(ctx, s.Room(), filepath.Base(path), f)
	if err != nil {
		log.Println("upload:", err)
		return
	}
	if _, err := s.SendFile(filepath.Base(path), upload.ID); err != nil {
		log.Println("send:", err)
	}
}

// render prints the event stream. Message events carry the full
// sequence, so only the tail beyond what was already printed goes out;
// status flips on already-printed entries are reported separately.
func render(s *session.Session) {
	var room int64
	printed := 0
	status := map[int64]reconcile.Status{}

	for ev := range s.Events() {
		switch ev := ev.(type) {
		case session.MessagesEvent:
			if ev.RoomID != room {
				room = ev.RoomID
				printed = 0
				status = map[int64]reconcile.Status{}
			}
			for i := printed; i < len(ev.Entries); i++ {
				printEntry(ev.Entries[i])
			}
			printed = len(ev.Entries)
			for _, e := range ev.Entries {
				if e.LocalID == 0 {
					continue
				}
				if prev, ok := status[e.LocalID]; ok && prev != e.Status && e.Status == reconcile.Failed {
					fmt.Printf("\rsend failed, /retry %d to resend\n> ", e.LocalID)
				}
				status[e.LocalID] = e.Status
			}

		case session.StateEvent:
			switch {
			case ev.Err != nil:
				fmt.Printf("\r[%s] %v\n> ", ev.State, ev.Err)
			case ev.State == reconnect.Connected:
				fmt.Printf("\r[connected to room %d]\n> ", ev.RoomID)
			default:
				fmt.Printf("\r[%s]\n> ", ev.State)
			}

		case session.TypingEvent:
			if len(ev.Users) > 0 {
				fmt.Printf("\r%s typing...\n> ", strings.Join(ev.Users, ", "))
			}

		case session.OnlineEvent:
			names := make([]string, 0, len(ev.Users))
			for _, u := range ev.Users {
				names = append(names, u.Username)
			}
			fmt.Printf("\r[online: %s]\n> ", strings.Join(names, ", "))
		}
	}
}

func printEntry(e reconcile.Entry) {
	mark := ""
	switch e.Status {
	case reconcile.Pending:
		mark = " (sending)"
	case reconcile.Failed:
		mark = " (failed)"
	}
	body := e.Message.Content
	if e.Message.FileURL != "" {
		body = strings.TrimSpace(body + " [file: " + e.Message.FileURL + "]")
	}
	fmt.Printf("\r%s %s: %s%s\n> ",
		e.Message.CreatedAt.Local().Format("15:04"), e.Message.SenderName, body, mark)
}
