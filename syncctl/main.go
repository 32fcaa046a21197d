package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/palomachat/syncview"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync view control.

The default urls are:
    api_url: https://api.palomachat.com
    feed_url: wss://feed.palomachat.com

Usage:
    syncctl observe [--api_url=<api_url>] [--feed_url=<feed_url>]
        [--jwt=<jwt>]
        [--conversation=<conversation_id>]
        [--cache_dir=<cache_dir>]
    syncctl send [--api_url=<api_url>] [--feed_url=<feed_url>]
        [--jwt=<jwt>]
        --conversation=<conversation_id>
        <message>
    syncctl page [--api_url=<api_url>] [--feed_url=<feed_url>]
        [--jwt=<jwt>]
        [--conversation=<conversation_id>]
        [--pages=<pages>]

Options:
    -h --help                            Show this screen.
    --version                            Show version.
    --api_url=<api_url>
    --feed_url=<feed_url>
    --jwt=<jwt>                          Your platform JWT. Prompted when omitted.
    --conversation=<conversation_id>     Conversation to observe. Omit for the feed.
    --cache_dir=<cache_dir>              Durable cache directory. In-memory when omitted.
    --pages=<pages>                      How many pages to pull [default: 3].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if observe_, _ := opts.Bool("observe"); observe_ {
		observe(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if page_, _ := opts.Bool("page"); page_ {
		page(opts)
	}
}

func newSyncContext(opts docopt.Opts) (*syncview.SyncContext, func()) {
	ctx := context.Background()

	apiUrl := "https://api.palomachat.com"
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	}
	feedUrl := "wss://feed.palomachat.com"
	if feedUrlAny := opts["--feed_url"]; feedUrlAny != nil {
		feedUrl = feedUrlAny.(string)
	}

	var byJwt string
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		byJwt = jwtAny.(string)
	} else {
		fmt.Print("Enter jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		byJwt = string(jwtBytes)
		fmt.Printf("\n")
	}

	auth := &syncview.ViewerAuth{
		ByJwt: byJwt,
	}
	viewerId, err := auth.ViewerId()
	if err != nil {
		Err.Fatalf("Could not read viewer from jwt: %s", err)
	}

	var local syncview.LocalStore
	if cacheDirAny := opts["--cache_dir"]; cacheDirAny != nil {
		badgerLocal, err := syncview.NewBadgerLocalStore(cacheDirAny.(string))
		if err != nil {
			Err.Fatalf("Could not open cache: %s", err)
		}
		local = badgerLocal
	} else {
		local = syncview.NewMapLocalStore()
	}

	remote := syncview.NewRemoteClientWithDefaults(ctx, apiUrl, feedUrl, auth)
	syncContext := syncview.NewSyncContextWithDefaults(ctx, viewerId, remote, local)
	closeAll := func() {
		syncContext.Close()
		local.Close()
	}
	return syncContext, closeAll
}

func parseScope(opts docopt.Opts) syncview.Scope {
	if conversationAny := opts["--conversation"]; conversationAny != nil {
		conversationId, err := syncview.ParseId(conversationAny.(string))
		if err != nil {
			Err.Fatalf("Bad conversation id: %s", err)
		}
		return syncview.ConversationScope(conversationId)
	}
	return syncview.FeedScope()
}

func observe(opts docopt.Opts) {
	syncContext, closeAll := newSyncContext(opts)
	defer closeAll()

	scope := parseScope(opts)
	view := syncContext.Observe(scope)
	defer view.Close()

	removeCallback := view.AddStateCallback(func(state syncview.ViewState) {
		printState(state)
	})
	defer removeCallback()

	cancelSignal := make(chan os.Signal, 1)
	signal.Notify(cancelSignal, syscall.SIGINT, syscall.SIGTERM)
	<-cancelSignal
}

func send(opts docopt.Opts) {
	syncContext, closeAll := newSyncContext(opts)
	defer closeAll()

	scope := parseScope(opts)
	message, _ := opts.String("<message>")

	view := syncContext.Observe(scope)
	defer view.Close()

	tempId := syncContext.Submit(scope, syncview.Payload{
		Kind: syncview.RecordKindMessage,
		Text: message,
	})
	Out.Printf("submitted %s", tempId)

	// wait for the entry to settle
	for {
		notify := view.NotifyChannel()
		state := view.State()
		settled := true
		for _, entry := range state.Entries {
			if !entry.IsConfirmed() && entry.Key() == tempId {
				settled = entry.Optimistic.Status.IsSettled()
				if entry.Optimistic.Status == syncview.OptimisticStatusFailed {
					Err.Fatalf("send failed: %s", entry.Optimistic.Err)
				}
			}
		}
		if settled {
			Out.Printf("confirmed")
			return
		}
		select {
		case <-notify:
		case <-time.After(30 * time.Second):
			Err.Fatalf("send timeout")
		}
	}
}

func page(opts docopt.Opts) {
	syncContext, closeAll := newSyncContext(opts)
	defer closeAll()

	pages, _ := opts.Int("--pages")
	scope := parseScope(opts)

	view := syncContext.Observe(scope)
	defer view.Close()

	for i := 0; i < pages; i += 1 {
		if !view.State().HasMore && 0 < i {
			break
		}
		notify := view.NotifyChannel()
		syncContext.LoadMore(scope)
		select {
		case <-notify:
		case <-time.After(30 * time.Second):
			Err.Fatalf("page timeout")
		}
	}
	printState(view.State())
}

func printState(state syncview.ViewState) {
	banner := ""
	if state.IsFromCache {
		banner = " (stale)"
	}
	if state.Error != nil {
		banner = fmt.Sprintf("%s [error %s: %s]", banner, state.ErrorClass, state.Error)
	}
	Out.Printf("-- %d entries%s", len(state.Entries), banner)
	for _, entry := range state.Entries {
		if entry.IsConfirmed() {
			record := entry.Record
			Out.Printf("%s %s %s: %s", record.CreatedAt.Format(time.RFC3339), record.Id, record.AuthorId, record.Text)
		} else {
			Out.Printf("........ %s (%s): %s", entry.Optimistic.TempId, entry.Optimistic.Status, entry.Optimistic.Payload.Text)
		}
	}
}
