package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/client/invitation"
	"github.com/aeolun/cipherchat/pkg/client/messaging"
	"github.com/aeolun/cipherchat/pkg/client/session"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(strings.ToLower(loremIpsum)))

// generateUsername glues fragments of two random words and a number, e.g.
// "dolsit4821". Usernames must be unique per run so the number matters.
func generateUsername() string {
	frag := func() string {
		w := loremWords[rand.Intn(len(loremWords))]
		if len(w) > 3 {
			w = w[:3+rand.Intn(min(len(w)-3, 3)+1)]
		}
		return w
	}
	return fmt.Sprintf("%s%s%d", frag(), frag(), rand.Intn(100000))
}

func randomText() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	repliesStreamed   atomic.Int64
	repliesFailed     atomic.Int64
	successfulClients atomic.Int64

	// Setup failure breakdown
	registerFailed atomic.Int64
	unlockFailed   atomic.Int64
	inviteFailed   atomic.Int64
	acceptFailed   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (posted, failed int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient is one simulated account with its own session, keychain and
// room key.
type BotClient struct {
	id       int
	username string
	session  *session.Session
	stats    *Stats
	logger   zerolog.Logger
}

func NewBotClient(id int, stats *Stats, logger zerolog.Logger) *BotClient {
	return &BotClient{
		id:       id,
		username: generateUsername(),
		stats:    stats,
		logger:   logger.With().Int("bot", id).Logger(),
	}
}

// Connect registers the account and creates its keychain under a fresh
// passkey.
func (bc *BotClient) Connect(ctx context.Context, serverURL string, blobs *crypto.PasskeyStore) error {
	c := api.New(serverURL)
	resp, err := c.Register(ctx, &protocol.RegisterRequest{
		Username: bc.username,
		Email:    bc.username + "@loadtest.invalid",
		Password: "loadtest-" + bc.username,
	})
	if err != nil {
		bc.stats.registerFailed.Add(1)
		return fmt.Errorf("register: %w", err)
	}

	s, err := session.New(session.Config{Client: c, Username: resp.Username, Email: resp.Email, Blobs: blobs})
	if err != nil {
		bc.stats.registerFailed.Add(1)
		return err
	}
	s.SetLogger(bc.logger)

	pk, err := crypto.GeneratePasskey()
	if err != nil {
		bc.stats.unlockFailed.Add(1)
		return err
	}
	if err := s.Unlock(ctx, pk); err != nil {
		bc.stats.unlockFailed.Add(1)
		return fmt.Errorf("unlock: %w", err)
	}
	bc.session = s
	return nil
}

// InviteAll wraps the room key for every other bot, in batches the server
// accepts.
func (bc *BotClient) InviteAll(ctx context.Context, slug string, bots []*BotClient, batch int) {
	var invitees []invitation.Invitee
	flush := func() {
		if len(invitees) == 0 {
			return
		}
		if _, err := bc.session.Invitations().Invite(ctx, slug, invitees); err != nil {
			bc.stats.inviteFailed.Add(int64(len(invitees)))
			bc.logger.Warn().Err(err).Msg("invite batch failed")
		}
		invitees = invitees[:0]
	}

	for _, other := range bots {
		if other == bc || other.session == nil {
			continue
		}
		publicKey, err := bc.lookupKey(ctx, other.username)
		if err != nil {
			bc.stats.inviteFailed.Add(1)
			bc.logger.Debug().Err(err).Str("invitee", other.username).Msg("public key lookup failed")
			continue
		}
		invitees = append(invitees, invitation.Invitee{
			Username:  other.username,
			PublicKey: publicKey,
			Role:      protocol.RoleEditor,
		})
		if len(invitees) == batch {
			flush()
		}
	}
	flush()
}

func (bc *BotClient) lookupKey(ctx context.Context, username string) (string, error) {
	users, err := bc.session.Client().SearchUsers(ctx, username)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.Username == username && u.PublicKey != "" {
			return u.PublicKey, nil
		}
	}
	return "", fmt.Errorf("no public key for %s", username)
}

func (bc *BotClient) Join(ctx context.Context, slug string) error {
	p, err := bc.session.Invitations().ForRoom(ctx, slug)
	if err == nil {
		_, err = bc.session.Invitations().Accept(ctx, p)
	}
	if err != nil {
		bc.stats.acceptFailed.Add(1)
		return fmt.Errorf("accept: %w", err)
	}
	return nil
}

func (bc *BotClient) PostRandomMessage(ctx context.Context, slug string) {
	start := time.Now()
	if _, err := bc.session.Cipher().SendRoomMessage(ctx, slug, randomText(), rand.Intn(3)); err != nil {
		if ctx.Err() == nil {
			bc.stats.messagesFailed.Add(1)
			bc.logger.Debug().Err(err).Msg("post failed")
		}
		return
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
}

func (bc *BotClient) AskAssistant(ctx context.Context, slug string) {
	history := []protocol.StreamMessage{{
		Role:    protocol.MessageRoleUser,
		Content: protocol.StreamText{Text: randomText()},
	}}
	reply, err := bc.session.Cipher().StreamReply(ctx, messaging.RoomTarget(slug), messaging.StreamOptions{History: history}, nil)
	if err != nil || reply.Status != protocol.StreamStatusDone {
		if ctx.Err() == nil {
			bc.stats.repliesFailed.Add(1)
		}
		return
	}
	bc.stats.repliesStreamed.Add(1)
}

func (bc *BotClient) Run(ctx context.Context, slug string, minDelay, maxDelay time.Duration, assistantRatio float64) {
	defer func() {
		if r := recover(); r != nil {
			bc.logger.Error().Interface("panic", r).Msg("bot panicked")
		}
	}()

	for ctx.Err() == nil {
		if rand.Float64() < assistantRatio {
			bc.AskAssistant(ctx, slug)
		} else {
			bc.PostRandomMessage(ctx, slug)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive a cipherchat server with many encrypting clients",
		Long: `Registers --clients accounts, puts them all in one room via public-key
invitations, then posts encrypted messages and assistant requests at
random intervals for --duration.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadtest(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.String("server", "http://localhost:8080", "server URL")
	flags.Int("clients", 10, "number of concurrent clients")
	flags.Duration("duration", time.Minute, "test duration")
	flags.Duration("min-delay", 100*time.Millisecond, "minimum delay between actions")
	flags.Duration("max-delay", time.Second, "maximum delay between actions")
	flags.Float64("assistant-ratio", 0.05, "fraction of actions that stream an assistant reply")
	flags.Int("invite-batch", 50, "invitations per request")
	flags.Bool("debug", false, "log every client operation")
	_ = v.BindPFlags(flags)

	return rootCmd.ExecuteContext(context.Background())
}

func loadtest(ctx context.Context, v *viper.Viper) error {
	var (
		serverURL = v.GetString("server")
		numBots   = v.GetInt("clients")
		duration  = v.GetDuration("duration")
		minDelay  = v.GetDuration("min-delay")
		maxDelay  = v.GetDuration("max-delay")
	)
	if numBots < 1 {
		return errors.New("--clients must be at least 1")
	}

	level := zerolog.InfoLevel
	if v.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobDir, err := os.MkdirTemp("", "cipherchat-loadtest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(blobDir)
	blobs := crypto.NewPasskeyStore(blobDir)

	stats := &Stats{}

	// Ramp-up: register and unlock, staggered over a quarter of the run
	rampUp := duration / 4
	stagger := max(rampUp/time.Duration(numBots), time.Millisecond)
	logger.Info().Str("server", serverURL).Int("clients", numBots).Dur("duration", duration).
		Dur("ramp_up", rampUp).Msg("starting load test")

	bots := make([]*BotClient, numBots)
	var wg sync.WaitGroup
	for i := range bots {
		bots[i] = NewBotClient(i, stats, logger)
		wg.Add(1)
		go func(bc *BotClient) {
			defer wg.Done()
			if err := bc.Connect(ctx, serverURL, blobs); err != nil {
				bc.logger.Warn().Err(err).Msg("connect failed")
			}
		}(bots[i])
		time.Sleep(stagger)
	}
	wg.Wait()

	owner := bots[0]
	if owner.session == nil {
		return errors.New("room owner failed to connect")
	}
	room, err := owner.session.Cipher().CreateRoom(ctx, "loadtest", "", "")
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	owner.InviteAll(ctx, room.Slug, bots, v.GetInt("invite-batch"))

	active := []*BotClient{owner}
	for _, bc := range bots[1:] {
		if bc.session == nil {
			continue
		}
		if err := bc.Join(ctx, room.Slug); err != nil {
			bc.logger.Warn().Err(err).Msg("join failed")
			continue
		}
		active = append(active, bc)
	}
	stats.successfulClients.Store(int64(len(active)))
	logger.Info().Str("slug", room.Slug).Int("active", len(active)).Msg("room ready")

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	// Stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, avgUs := stats.snapshot()
				logger.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/time.Since(start).Seconds()).
					Int64("failed", failed).
					Int64("replies", stats.repliesStreamed.Load()).
					Float64("avg_ms", avgUs/1000).
					Float64("load", getCPULoad()).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-runCtx.Done():
				return
			}
		}
	}()

	for _, bc := range active {
		wg.Add(1)
		go func(bc *BotClient) {
			defer wg.Done()
			bc.Run(runCtx, room.Slug, minDelay, maxDelay, v.GetFloat64("assistant-ratio"))
		}(bc)
	}
	wg.Wait()

	for _, bc := range active {
		if err := bc.session.Client().Logout(context.Background()); err != nil {
			bc.logger.Debug().Err(err).Msg("logout failed")
		}
	}

	posted, failed, avgUs := stats.snapshot()
	fmt.Println("\n=== Final Results ===")
	fmt.Printf("Clients: %d attempted, %d active (%.1f%%)\n", numBots, len(active), float64(len(active))/float64(numBots)*100)
	fmt.Printf("Setup failures: register %d, unlock %d, invite %d, accept %d\n",
		stats.registerFailed.Load(), stats.unlockFailed.Load(), stats.inviteFailed.Load(), stats.acceptFailed.Load())
	fmt.Printf("Messages posted: %d (%.1f/s), failed: %d\n", posted, float64(posted)/duration.Seconds(), failed)
	fmt.Printf("Assistant replies: %d streamed, %d failed\n", stats.repliesStreamed.Load(), stats.repliesFailed.Load())
	fmt.Printf("Average post time (encrypt + round trip): %.2fms\n", avgUs/1000)
	if posted+failed > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(posted)/float64(posted+failed)*100)
	}
	return nil
}
