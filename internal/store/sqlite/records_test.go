package sqlite

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// stubRow feeds canned column values into a scanner.
type stubRow struct {
	vals []interface{}
}

func (r stubRow) Scan(dest ...interface{}) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.vals[i].(string)
		case *[]byte:
			*v = r.vals[i].([]byte)
		case *int:
			*v = r.vals[i].(int)
		case *int64:
			*v = r.vals[i].(int64)
		}
	}
	return nil
}

func contactRow(id, tags string) stubRow {
	return stubRow{vals: []interface{}{
		id, "777001", "Alice", "", "", "telegram",
		[]byte(tags), "new", 0, time.Now().UnixMilli(),
	}}
}

func TestScanContactTags(t *testing.T) {
	id := uuid.Must(uuid.NewV7()).String()

	contact, err := scanContact(contactRow(id, `["vip","returning"]`))
	if err != nil {
		t.Fatalf("scanContact() error = %v", err)
	}
	if len(contact.Tags) != 2 || contact.Tags[0] != "vip" {
		t.Errorf("tags = %v", contact.Tags)
	}

	contact, err = scanContact(contactRow(id, ``))
	if err != nil {
		t.Fatalf("scanContact() empty tags error = %v", err)
	}
	if contact.Tags != nil {
		t.Errorf("tags = %v, want nil", contact.Tags)
	}
}

// Corrupt stored tags must surface as an error, not silently scan as nil.
func TestScanContactRejectsCorruptTags(t *testing.T) {
	id := uuid.Must(uuid.NewV7()).String()

	_, err := scanContact(contactRow(id, `{not json`))
	if err == nil {
		t.Fatal("scanContact() accepted corrupt tags")
	}
	if !strings.Contains(err.Error(), "parse tags") {
		t.Errorf("error = %v", err)
	}
}
