// Command devicesim plays a browser against a running novelpush server. It
// subscribes a user with a simulated delivery token, then reads commands from
// stdin to feed pushes and clicks into a background receiver:
//
//	push {"notification":{"title":"..."},"data":{"url":"/novels/x/1"}}
//	foreground {"notification":{"title":"..."}}
//	windows https://site/a https://site/b
//	click [open|close]
//	prefs newChapters,comments
//	unsubscribe
//	quit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/logger"
	"github.com/mithileshchellappan/novelpush/internal/receiver"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/mithileshchellappan/novelpush/internal/subscription"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "novelpush base URL")
	userID := flag.String("user", "", "user id to subscribe")
	bearer := flag.String("auth", os.Getenv("DEVICESIM_AUTH_TOKEN"), "bearer token for the token API")
	deviceToken := flag.String("device-token", "", "simulated delivery token (random when empty)")
	permission := flag.String("permission", "granted", "answer to the permission prompt: granted, denied or default")
	flag.Parse()

	log := logger.New(getEnv("LOG_LEVEL", "info"), "text")
	if err := simulate(*serverURL, *userID, *bearer, *deviceToken, *permission, log); err != nil {
		log.WithError(err).Error("Device simulator failed")
		os.Exit(1)
	}
}

// simulate runs until stdin closes or quit is typed. Every exit path goes
// through the deferred receiver stop and manager close.
func simulate(serverURL, userID, bearer, deviceToken, permission string, log logrus.FieldLogger) error {
	if userID == "" {
		return errors.New("-user is required")
	}
	if deviceToken == "" {
		deviceToken = fmt.Sprintf("sim-%s-%d", userID, time.Now().UnixNano())
	}

	ctx := context.Background()
	display := dispatch.Display{
		Icon:  getEnv("NOTIFICATION_ICON", "/icons/icon-192x192.png"),
		Badge: getEnv("NOTIFICATION_BADGE", "/icons/icon-72x72.png"),
	}

	host := newSimHost(serverURL, log)
	platform := &simPlatform{host: host, answer: subscription.Permission(permission)}
	messaging := &simMessaging{token: deviceToken}
	store := subscription.NewRemoteStore(ctx, serverURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer}))

	manager := subscription.NewManager(subscription.Config{
		UserID:   userID,
		VAPIDKey: os.Getenv("FIREBASE_VAPID_KEY"),
		Display:  display,
	}, platform, messaging, store, log)
	defer manager.Close()

	rcv := receiver.New(host, display, 16, log)
	rcv.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rcv.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("Receiver did not stop cleanly")
		}
	}()

	token, err := manager.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe failed in state %s: %w", manager.State(), err)
	}
	log.WithFields(logrus.Fields{"token": token, "state": manager.State()}).Info("Device subscribed")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		if cmd == "quit" {
			return nil
		}
		if err := run(ctx, cmd, arg, manager, messaging, rcv, host); err != nil {
			log.WithError(err).WithField("command", cmd).Error("Command failed")
		}
	}
	return scanner.Err()
}

func run(ctx context.Context, cmd, arg string, manager *subscription.Manager, messaging *simMessaging, rcv *receiver.Receiver, host *simHost) error {
	switch cmd {
	case "push", "foreground":
		var p receiver.Payload
		if err := json.Unmarshal([]byte(arg), &p); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		if cmd == "foreground" {
			messaging.deliver(p)
			return nil
		}
		return rcv.Deliver(ctx, receiver.PushEvent{Payload: p})
	case "windows":
		host.setWindows(strings.Fields(arg))
		return nil
	case "click":
		n, ok := host.lastShown()
		if !ok {
			return fmt.Errorf("no notification to click")
		}
		return rcv.Deliver(ctx, receiver.ClickEvent{Notification: n, Action: strings.TrimSpace(arg)})
	case "prefs":
		var prefs storage.Preferences
		for _, name := range strings.Split(arg, ",") {
			switch strings.TrimSpace(name) {
			case storage.PrefNewChapters:
				prefs.NewChapters = true
			case storage.PrefAnnouncements:
				prefs.Announcements = true
			case storage.PrefComments:
				prefs.Comments = true
			}
		}
		return manager.SetPreferences(ctx, prefs)
	case "unsubscribe":
		return manager.Unsubscribe(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func getEnv(key, defaultVal string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultVal
}
