package telegram

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
)

type sentText struct {
	chatID int64
	text   string
}

type sentAction struct {
	chatID int64
	action string
}

type sentPhoto struct {
	chatID  int64
	caption string
	data    []byte
}

type fakeBot struct {
	mu      sync.Mutex
	texts   []sentText
	actions []sentAction
	photos  []sentPhoto
}

func (f *fakeBot) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{chatID: p.ChatID.ID, text: p.Text})
	return &telego.Message{}, nil
}

func (f *fakeBot) SendChatAction(_ context.Context, p *telego.SendChatActionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, sentAction{chatID: p.ChatID.ID, action: p.Action})
	return nil
}

func (f *fakeBot) SendPhoto(_ context.Context, p *telego.SendPhotoParams) (*telego.Message, error) {
	data, err := io.ReadAll(p.Photo.File)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{chatID: p.ChatID.ID, caption: p.Caption, data: data})
	return &telego.Message{}, nil
}

func (f *fakeBot) textsTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.texts {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeBot) actionsTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.actions {
		if a.chatID == chatID {
			out = append(out, a.action)
		}
	}
	return out
}

func (f *fakeBot) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

func (f *fakeBot) photoAt(i int) sentPhoto {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos[i]
}

func (f *fakeBot) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts) + len(f.actions) + len(f.photos)
}

func newTestChannel(t *testing.T, updates chan telego.Update) (*Channel, *fakeBot, *bus.Bridge) {
	t.Helper()
	bridge := bus.NewBridge()
	bot := &fakeBot{}
	c := &Channel{
		bridge:    bridge,
		bot:       bot,
		ownerFile: filepath.Join(t.TempDir(), "telegram_owner.json"),
		pollWait:  10 * time.Millisecond,
		updates: func(ctx context.Context) (<-chan telego.Update, error) {
			return updates, nil
		},
	}
	return c, bot, bridge
}

func startChannel(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("channel did not stop")
		}
	})
}

func tgMessage(userID, chatID int64, text string) telego.Update {
	return telego.Update{Message: &telego.Message{
		From: &telego.User{ID: userID},
		Chat: telego.Chat{ID: chatID},
		Text: text,
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestFirstSenderBecomesOwner(t *testing.T) {
	updates := make(chan telego.Update, 4)
	c, bot, bridge := newTestChannel(t, updates)
	startChannel(t, c)

	updates <- tgMessage(42, 42, "  hello there  ")

	got := bridge.GetUpdates(0, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("GetUpdates returned %d updates, want 1", len(got))
	}
	if got[0].Message.Text != "hello there" {
		t.Errorf("inbox text = %q, want %q", got[0].Message.Text, "hello there")
	}

	data, err := os.ReadFile(c.ownerFile)
	if err != nil {
		t.Fatalf("owner file not written: %v", err)
	}
	if !strings.Contains(string(data), `"owner_id":42`) {
		t.Errorf("owner file = %s, want owner_id 42", data)
	}

	updates <- tgMessage(99, 99, "let me in")
	waitFor(t, func() bool { return len(bot.textsTo(99)) == 1 })
	if txt := bot.textsTo(99)[0]; txt != refusalText {
		t.Errorf("refusal = %q, want %q", txt, refusalText)
	}
	if extra := bridge.GetUpdates(0, 50*time.Millisecond); len(extra) != 0 {
		t.Errorf("non-owner text reached the inbox: %v", extra)
	}
}

func TestOwnerSurvivesRestart(t *testing.T) {
	file := filepath.Join(t.TempDir(), "owner.json")

	c1 := &Channel{ownerFile: file}
	if !c1.claimOwner(42, 42) {
		t.Fatal("first sender was not accepted")
	}

	c2 := &Channel{ownerFile: file}
	c2.loadOwner()
	if c2.claimOwner(99, 99) {
		t.Error("claimOwner(99) = true after restart, want false")
	}
	if !c2.claimOwner(42, 42) {
		t.Error("claimOwner(42) = false after restart, want true")
	}
	if c2.ownerChat() != 42 {
		t.Errorf("ownerChat() = %d, want 42", c2.ownerChat())
	}
}

func TestOutboxMirroredToOwner(t *testing.T) {
	updates := make(chan telego.Update, 1)
	c, bot, bridge := newTestChannel(t, updates)
	startChannel(t, c)

	updates <- tgMessage(42, 42, "hi")
	waitFor(t, func() bool { return c.ownerChat() == 42 })
	bridge.GetUpdates(0, time.Second)

	bridge.SendMessage(1, "task finished", false)
	waitFor(t, func() bool { return len(bot.textsTo(42)) == 1 })
	if txt := bot.textsTo(42)[0]; txt != "task finished" {
		t.Errorf("mirrored text = %q, want %q", txt, "task finished")
	}

	bridge.SendAction(1, "typing")
	waitFor(t, func() bool { return len(bot.actionsTo(42)) == 1 })
	if act := bot.actionsTo(42)[0]; act != "typing" {
		t.Errorf("mirrored action = %q, want %q", act, "typing")
	}

	bridge.SendPhoto(1, pngBytes(t, 2000, 500), "diagram")
	waitFor(t, func() bool { return bot.photoCount() == 1 })
	ph := bot.photoAt(0)
	if ph.chatID != 42 || ph.caption != "diagram" {
		t.Errorf("photo sent to chat %d caption %q, want 42 %q", ph.chatID, ph.caption, "diagram")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(ph.data))
	if err != nil {
		t.Fatalf("decode mirrored photo: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("mirrored photo format = %q, want jpeg", format)
	}
	if cfg.Width != 1280 || cfg.Height != 320 {
		t.Errorf("mirrored photo = %dx%d, want 1280x320", cfg.Width, cfg.Height)
	}
}

func TestOutboxDroppedWithoutOwner(t *testing.T) {
	updates := make(chan telego.Update)
	c, bot, bridge := newTestChannel(t, updates)
	startChannel(t, c)

	bridge.SendMessage(1, "nobody listening", false)
	time.Sleep(50 * time.Millisecond)
	if n := bot.sendCount(); n != 0 {
		t.Errorf("sent %d messages with no owner, want 0", n)
	}
}

func TestInboundWithoutTextClaimsButForwardsNothing(t *testing.T) {
	updates := make(chan telego.Update, 2)
	c, _, bridge := newTestChannel(t, updates)
	startChannel(t, c)

	updates <- tgMessage(42, 42, "   ")
	waitFor(t, func() bool { return c.ownerChat() == 42 })
	if got := bridge.GetUpdates(0, 50*time.Millisecond); len(got) != 0 {
		t.Errorf("blank message reached the inbox: %v", got)
	}

	updates <- telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 5}, Text: "ghost"}}
	if got := bridge.GetUpdates(0, 50*time.Millisecond); len(got) != 0 {
		t.Errorf("senderless message reached the inbox: %v", got)
	}
}

func TestShrinkJPEG(t *testing.T) {
	cases := []struct {
		name  string
		w, h  int
		wantW int
		wantH int
	}{
		{"within bounds", 100, 50, 100, 50},
		{"wide", 4000, 1000, 1280, 320},
		{"tall", 600, 2560, 300, 1280},
		{"square oversize", 2000, 2000, 1280, 1280},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := shrinkJPEG(pngBytes(t, tc.w, tc.h), maxPhotoEdge)
			if err != nil {
				t.Fatalf("shrinkJPEG: %v", err)
			}
			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if format != "jpeg" {
				t.Errorf("format = %q, want jpeg", format)
			}
			if cfg.Width != tc.wantW || cfg.Height != tc.wantH {
				t.Errorf("size = %dx%d, want %dx%d", cfg.Width, cfg.Height, tc.wantW, tc.wantH)
			}
		})
	}

	if _, err := shrinkJPEG([]byte("not an image"), maxPhotoEdge); err == nil {
		t.Error("shrinkJPEG accepted garbage input")
	}
}
