package telegram

import (
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// StatusProvider supplies the text for the /status command.
type StatusProvider interface {
	StatusText() string
}

// TgBot notifies the operator about charge point events, most importantly
// irrecoverable transaction data loss, and answers /status queries.
type TgBot struct {
	api           *tgbotapi.BotAPI
	chargePointId string
	chatId        int64
	status        StatusProvider
	send          chan string
}

func NewBot(apiKey string, chargePointId string, chatId int64) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, err
	}
	return &TgBot{
		api:           api,
		chargePointId: chargePointId,
		chatId:        chatId,
		send:          make(chan string, 100),
	}, nil
}

func (b *TgBot) SetStatusProvider(status StatusProvider) {
	b.status = status
}

func (b *TgBot) Start() {
	go b.sendPump()
	go b.updatesPump()
}

func (b *TgBot) updatesPump() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates, err := b.api.GetUpdatesChan(u)
	if err != nil {
		log.Printf("bot: error getting updates: %v", err)
		return
	}
	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}
		if update.Message.Chat.ID != b.chatId {
			continue
		}
		switch update.Message.Command() {
		case "status":
			msg := fmt.Sprintf("*%v*\n", sanitize(b.chargePointId))
			if b.status != nil {
				msg += fmt.Sprintf("`%v`", sanitize(b.status.StatusText()))
			}
			b.send <- msg
		case "ping":
			b.send <- fmt.Sprintf("*%v*: alive", sanitize(b.chargePointId))
		}
	}
}

func (b *TgBot) sendPump() {
	for text := range b.send {
		b.sendMessage(text)
	}
}

func (b *TgBot) sendMessage(text string) {
	msg := tgbotapi.NewMessage(b.chatId, text)
	msg.ParseMode = "MarkdownV2"
	_, err := b.api.Send(msg)
	if err != nil {
		// maybe error was while parsing, so we can send a message about this error
		msg = tgbotapi.NewMessage(b.chatId, fmt.Sprintf("Error: %v", err))
		_, err = b.api.Send(msg)
		if err != nil {
			log.Printf("bot: error sending message: %v", err)
		}
	}
}

// NotifyDataLoss reports that transaction data could not be recovered. This
// mirrors the internal-error status notification sent to the backend, so the
// operator can reconcile billing out of band.
func (b *TgBot) NotifyDataLoss(errorCode, info string) {
	msg := fmt.Sprintf("*%v*: `%v`\n%v\n", sanitize(b.chargePointId), sanitize(errorCode), sanitize(info))
	select {
	case b.send <- msg:
	default:
		log.Println("bot: send buffer full, notification dropped")
	}
}

// NotifySessionEvent reports session lifecycle milestones.
func (b *TgBot) NotifySessionEvent(sessionId, text string) {
	msg := fmt.Sprintf("*%v*: session `%v`\n%v\n", sanitize(b.chargePointId), sanitize(sessionId), sanitize(text))
	select {
	case b.send <- msg:
	default:
	}
}

func sanitize(input string) string {
	// Define a list of reserved characters that need to be escaped
	reservedChars := "\\`*_{}[]()#+-.!|"

	sanitized := ""
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sanitized += "\\" + string(char)
		} else {
			sanitized += string(char)
		}
	}
	return sanitized
}
