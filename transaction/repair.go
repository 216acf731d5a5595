package transaction

import (
	"chargerd/metrics/counters"
	"fmt"
	"os"
	"path/filepath"
)

// repairFileLocked re-establishes a self-consistent transaction file after a
// structural read failure. Repairs are graduated: truncate the meter area at
// the first damaged record, then drop a damaged Stop record, and only when the
// header cannot be rebuilt from surviving records delete the whole file. A
// deletion is never silent; it raises an internal-error status notification so
// the operator can reconcile the lost transaction out of band.
func (l *Ledger) repairFileLocked(path string) error {
	counters.ObserveRepair()
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return l.deleteDamaged(path, "transaction file unreadable")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return l.deleteDamaged(path, "transaction file unreadable")
	}
	if info.Size() < offsetMeter {
		return l.deleteDamaged(path, "transaction file shorter than fixed layout")
	}

	_, startOk, err := readStartAt(file)
	if err != nil {
		return l.deleteDamaged(path, "transaction file unreadable")
	}

	h, headerOk, err := readHeaderAt(file)
	if err != nil {
		return l.deleteDamaged(path, "transaction file unreadable")
	}
	if !headerOk {
		if !startOk {
			return l.deleteDamaged(path, "transaction header and start record both damaged")
		}
		// Rebuild the header from surviving records. Everything becomes
		// unconfirmed again; duplicates on the wire are acceptable, loss
		// is not.
		h = header{
			isActive:        true,
			startTimestamp:  timestampFromName(path),
			transactionId:   TransactionIdPending,
			confirmedOffset: offsetStart,
		}
		l.logger.Warn(fmt.Sprintf("rebuilt damaged header of %s", filepath.Base(path)))
	}
	if !startOk && h.confirmedOffset < offsetMeter {
		// The start record itself is damaged and was never confirmed;
		// nothing of this transaction can be trusted.
		return l.deleteDamaged(path, "unconfirmed start record damaged")
	}

	// Walk the meter area and truncate at the first damaged record. Records
	// before it, the Start record and a valid Stop record all survive.
	size := info.Size()
	boundary := int64(offsetMeter)
	for boundary < size {
		_, next, ok := readMeterRecordAt(file, boundary, size, l.maxFileSize)
		if !ok {
			l.logger.Warn(fmt.Sprintf("truncating %s at damaged record, offset %d", filepath.Base(path), boundary))
			if err = file.Truncate(boundary); err != nil {
				return l.deleteDamaged(path, "truncation repair failed")
			}
			if err = file.Sync(); err != nil {
				return err
			}
			size = boundary
			break
		}
		boundary = next
	}

	if h.confirmedOffset > size {
		h.confirmedOffset = size
	}

	_, stopOk, err := readStopAt(file)
	if err != nil {
		return l.deleteDamaged(path, "transaction file unreadable")
	}
	if !h.isActive && !stopOk {
		l.logger.Warn(fmt.Sprintf("dropping damaged stop record of %s", filepath.Base(path)))
	}

	// Recount pending messages from what actually survived.
	pending := uint32(0)
	if h.confirmedOffset < offsetMeter {
		pending++
		h.confirmedOffset = offsetStart
		pending += l.countMeterRecords(file, offsetMeter, size)
	} else {
		pending += l.countMeterRecords(file, h.confirmedOffset, size)
	}
	if !h.isActive && stopOk {
		pending++
	}
	h.awaitingCount = pending

	if pending == 0 && !h.isActive {
		return l.deleteDamaged(path, "no deliverable records survived repair")
	}
	return writeHeaderAt(file, h)
}

func (l *Ledger) countMeterRecords(file *os.File, from, size int64) uint32 {
	count := uint32(0)
	offset := from
	if offset < offsetMeter {
		offset = offsetMeter
	}
	for offset < size {
		_, next, ok := readMeterRecordAt(file, offset, size, l.maxFileSize)
		if !ok {
			break
		}
		offset = next
		count++
	}
	return count
}

func (l *Ledger) deleteDamaged(path, cause string) error {
	counters.ObserveDataLoss()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	text := fmt.Sprintf("transaction data lost, %s deleted: %s", filepath.Base(path), cause)
	l.logger.Error(text, nil)
	if l.notifier != nil {
		l.notifier.StatusNotification("InternalError", text)
	}
	return nil
}

func timestampFromName(path string) int64 {
	var ts uint32
	if _, err := fmt.Sscanf(filepath.Base(path), "%08x.bin", &ts); err != nil {
		return 0
	}
	return int64(ts)
}
