package internal

import (
	"fmt"
	"log"
	"time"
)

type Importance string

const (
	Info    Importance = " "
	Warning Importance = "?"
	Error   Importance = "!"
)

var severityChar = map[Importance]byte{
	Info:    'I',
	Warning: 'W',
	Error:   'E',
}

type Logger struct {
	sink      LineSink
	location  *time.Location
	debugMode bool
	writer    chan *LogEvent
}

type LogEvent struct {
	Importance Importance
	Feature    string
	Id         string
	Text       string
	Time       string
}

func NewLogger(location *time.Location) *Logger {
	logger := &Logger{
		debugMode: false,
		location:  location,
		writer:    make(chan *LogEvent, 100),
	}
	go logger.startWriter()
	return logger
}

func (l *Logger) startWriter() {
	for {
		event := <-l.writer

		messageText := fmt.Sprintf("[%s] %s: %s", event.Id, event.Feature, event.Text)
		log.Printf("%s %s", event.Importance, messageText)

		if l.sink != nil {
			if err := l.sink.WriteLine(severityChar[event.Importance], messageText); err != nil {
				log.Printf("%s write log to diagnostics store failed: %s", Error, err)
			}
		}
	}
}

func (l *Logger) SetDebugMode(debugMode bool) {
	l.debugMode = debugMode
}

// SetSink attaches the durable log store. The sink is fed every event so the
// diagnostics bundle uploaded to the backend matches what was printed.
func (l *Logger) SetSink(sink LineSink) {
	l.sink = sink
}

func logTime(t time.Time) string {
	timeString := fmt.Sprintf("%d-%02d-%02d %02d:%02d:%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	return timeString
}

func (l *Logger) FeatureEvent(feature, id, text string) {
	l.logEvent(Info, feature, id, text)
}

func (l *Logger) logEvent(importance Importance, feature, id, text string) {
	if id == "" {
		id = "*"
	}
	event := &LogEvent{
		Importance: importance,
		Feature:    feature,
		Id:         id,
		Text:       text,
		Time:       logTime(time.Now().In(l.location)),
	}
	l.writer <- event
}

func (l *Logger) Debug(text string) {
	if l.debugMode {
		l.logEvent(Info, "debug", "", text)
	}
}

func (l *Logger) Warn(text string) {
	l.logEvent(Warning, "warning", "", text)
}

func (l *Logger) Error(text string, err error) {
	if err == nil {
		l.logEvent(Error, "error", "", text)
		return
	}
	l.logEvent(Error, "error", "", fmt.Sprintf("%s: %s", text, err))
}
