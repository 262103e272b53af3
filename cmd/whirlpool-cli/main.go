package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/common"
	"github.com/whirlpool-im/whirlpool/internal/history"
	"github.com/whirlpool-im/whirlpool/internal/session"
	"github.com/whirlpool-im/whirlpool/internal/transport"
)

// wsBase rewrites an http(s) base URL into its ws(s) counterpart.
func wsBase(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8080", "chat server base URL")
	room := flag.String("room", "CoolRoom", "room to join")
	username := flag.String("user", "guest", "display name")
	avatar := flag.String("avatar", "", "avatar image URL")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	common.SetupLogging(*logLevel, "text")

	tr := transport.NewWebSocket(wsBase(*serverURL), *room)
	hist := history.NewHTTPClient(*serverURL)

	ctl := session.New(session.Config{
		Room: *room,
		User: chat.User{Username: *username, AvatarURL: *avatar},
	}, tr, hist)
	defer ctl.Close()

	printed := 0
	subMsg := ctl.OnMessageReceived(func(scroll, invertScroll bool) {
		msgs := ctl.Messages()
		if invertScroll {
			// Older page landed at the head; indices shifted.
			fmt.Printf("-- loaded older messages, %d total --\n", len(msgs))
			printed = len(msgs)
			return
		}
		for ; printed < len(msgs); printed++ {
			m := msgs[printed]
			if m.Hidden {
				continue
			}
			marker := ""
			if m.Pending {
				marker = " (sending)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp, m.Username, m.Text, marker)
		}
	})
	defer subMsg.Cancel()

	subConn := ctl.OnConnected(func() {
		fmt.Printf("-- connected to %s as %s --\n", *room, *username)
	})
	defer subConn.Cancel()

	subStill := ctl.OnStillPending(func(messageID string) {
		fmt.Printf("-- message %s not acknowledged yet, will retry on reconnect --\n", messageID)
	})
	defer subStill.Cancel()

	fmt.Println("type a message and press enter; /history loads older messages, /quit exits")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/history":
			ctl.Refresh(func() {})
		default:
			ctl.SendMessage(line)
		}
	}
	if err := sc.Err(); err != nil {
		logrus.WithError(err).Error("stdin read failed")
	}
}
