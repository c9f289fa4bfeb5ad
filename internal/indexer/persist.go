package indexer

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/renameio"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

// QueueFileName is the persisted queue below the data path.
const QueueFileName = "indexer-work-queue.xml"

// creationDTLayout is an ISO-8601 local date-time without zone.
const creationDTLayout = "2006-01-02T15:04:05.999999999"

type xmlQueue struct {
	XMLName xml.Name  `xml:"root"`
	Items   []xmlItem `xml:"item"`
}

type xmlItem struct {
	ID             string           `xml:"id,attr"`
	CreationDT     string           `xml:"creationDT,attr"`
	Type           string           `xml:"type,attr"`
	OwnerID        string           `xml:"ownerID,attr"`
	RequestingHost string           `xml:"requestingHost,attr"`
	ParticipantID  xmlParticipantID `xml:"participantID"`
}

type xmlParticipantID struct {
	Scheme string `xml:"scheme,attr"`
	Value  string `xml:"value,attr"`
}

// MarshalQueue renders items as the persisted queue document.
func MarshalQueue(items []*WorkItem) ([]byte, error) {
	doc := xmlQueue{Items: make([]xmlItem, 0, len(items))}
	for _, it := range items {
		doc.Items = append(doc.Items, xmlItem{
			ID:             it.ID,
			CreationDT:     it.CreatedAt.In(time.Local).Format(creationDTLayout),
			Type:           string(it.Kind),
			OwnerID:        it.OwnerID,
			RequestingHost: it.RequestingHost,
			ParticipantID: xmlParticipantID{
				Scheme: it.ParticipantID.Scheme,
				Value:  it.ParticipantID.Value,
			},
		})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// UnmarshalQueue parses a persisted queue document. Items that cannot be
// reconstructed are reported in skipped and left out.
func UnmarshalQueue(data []byte) (items []*WorkItem, skipped []error, err error) {
	var doc xmlQueue
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	for i, x := range doc.Items {
		it, err := x.workItem()
		if err != nil {
			skipped = append(skipped, fmt.Errorf("item %d (%s): %w", i, x.ID, err))
			continue
		}
		items = append(items, it)
	}
	return items, skipped, nil
}

func (x xmlItem) workItem() (*WorkItem, error) {
	if x.ID == "" {
		return nil, errors.New("missing id")
	}
	kind, err := ParseKind(x.Type)
	if err != nil {
		return nil, err
	}
	pid, err := identifier.NewParticipantID(x.ParticipantID.Scheme, x.ParticipantID.Value)
	if err != nil {
		return nil, err
	}
	created, err := time.ParseInLocation(creationDTLayout, x.CreationDT, time.Local)
	if err != nil {
		return nil, fmt.Errorf("creationDT: %w", err)
	}
	return &WorkItem{
		ID:             x.ID,
		CreatedAt:      created,
		ParticipantID:  pid,
		Kind:           kind,
		OwnerID:        x.OwnerID,
		RequestingHost: x.RequestingHost,
	}, nil
}

// ReadQueueFile loads the persisted queue. A missing file is an empty
// queue.
func ReadQueueFile(path string) ([]*WorkItem, []error, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w: %v", path, apperrors.ErrPersistIO, err)
	}
	items, skipped, err := UnmarshalQueue(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w: %v", path, apperrors.ErrPersistIO, err)
	}
	return items, skipped, nil
}

// WriteQueueFile replaces the persisted queue atomically.
func WriteQueueFile(path string, items []*WorkItem) error {
	data, err := MarshalQueue(items)
	if err != nil {
		return fmt.Errorf("encoding queue: %w: %v", apperrors.ErrPersistIO, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w: %v", path, apperrors.ErrPersistIO, err)
	}
	return nil
}
