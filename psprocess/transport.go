package psprocess

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NullGUID addresses the session rather than one invocation.
var NullGUID = uuid.UUID{}

// PacketType is the element name of a packet.
type PacketType string

const (
	PacketTypeData     PacketType = "Data"
	PacketTypeSignal   PacketType = "Signal"
	PacketTypeClose    PacketType = "Close"
	PacketTypeCloseAck PacketType = "CloseAck"
)

// Packet is one received line.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID
	Data   []byte // decoded payload, Data packets only
}

// Transport frames packets as single XML lines over a reader and writer,
// typically the stdout and stdin of the child process.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex // protects writer
}

// NewTransport creates a transport reading packets from reader and writing
// them to writer.
func NewTransport(reader io.Reader, writer io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// SendData sends a payload addressed to psGuid.
func (t *Transport) SendData(psGuid uuid.UUID, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	return t.writeLine(fmt.Sprintf("<Data PSGuid='%s'>%s</Data>\n", formatGUID(psGuid), encoded))
}

// SendSignal asks the invocation psGuid to stop.
func (t *Transport) SendSignal(psGuid uuid.UUID) error {
	return t.writeLine(fmt.Sprintf("<Signal PSGuid='%s' />\n", formatGUID(psGuid)))
}

// SendClose asks the server to shut down. Use NullGUID.
func (t *Transport) SendClose(psGuid uuid.UUID) error {
	return t.writeLine(fmt.Sprintf("<Close PSGuid='%s' />\n", formatGUID(psGuid)))
}

// SendCloseAck acknowledges a Close.
func (t *Transport) SendCloseAck(psGuid uuid.UUID) error {
	return t.writeLine(fmt.Sprintf("<CloseAck PSGuid='%s' />\n", formatGUID(psGuid)))
}

func (t *Transport) writeLine(packet string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.writer, packet)
	return err
}

// ReceivePacket reads the next packet. Blank lines and text that does not
// start an element (for example a banner the child printed before the
// server script took over stdout) are skipped.
func (t *Transport) ReceivePacket() (*Packet, error) {
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return nil, err
		}

		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
		idx := strings.Index(line, "<")
		if idx == -1 {
			if err != nil {
				return nil, err
			}
			continue
		}

		packet, perr := parsePacket(line[idx:])
		if perr != nil {
			return nil, fmt.Errorf("parse packet: %w", perr)
		}
		return packet, nil
	}
}

// parsePacket parses a single line.
func parsePacket(line string) (*Packet, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w (line: %q)", err, truncate(line, 100))
	}
	startElem, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("expected start element, got %T (line: %q)", token, truncate(line, 100))
	}

	packet := &Packet{Type: PacketType(startElem.Name.Local)}
	for _, attr := range startElem.Attr {
		if attr.Name.Local != "PSGuid" {
			continue
		}
		guid, err := uuid.Parse(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("parse PSGuid %q: %w", attr.Value, err)
		}
		packet.PSGuid = guid
	}

	if packet.Type != PacketTypeData {
		return packet, nil
	}
	token, err = decoder.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return packet, nil
		}
		return nil, fmt.Errorf("read data content: %w", err)
	}
	switch tok := token.(type) {
	case xml.CharData:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(tok)))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		packet.Data = decoded
	case xml.EndElement:
	default:
		return nil, fmt.Errorf("unexpected token type in Data element: %T", token)
	}
	return packet, nil
}

// formatGUID formats a UUID the way PowerShell prints one.
func formatGUID(id uuid.UUID) string {
	return strings.ToLower(id.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
