package notify

import (
	"io"

	"github.com/gocarina/gocsv"
	"github.com/kelurahan-dev/jadwal/internal/domain"
)

// WriteCSV writes log rows with a header line.
func WriteCSV(w io.Writer, rows []domain.WhatsAppNotificationLog) error {
	if rows == nil {
		rows = []domain.WhatsAppNotificationLog{}
	}
	return gocsv.Marshal(rows, w)
}
