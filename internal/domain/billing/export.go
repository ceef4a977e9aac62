package billing

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// XLSXContentType is the MIME type of the overdue export.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const overdueSheet = "Overdue"

var overdueHeaders = []string{
	"Treatment ID", "Treatment", "Installment ID", "Number", "Due date",
	"Days overdue", "Expected", "Paid", "Outstanding", "Written off",
}

// WriteOverdueXLSX renders the overdue list as a single-sheet workbook with a
// totals row beneath the data.
func WriteOverdueXLSX(w io.Writer, items []*OverdueInstallment, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(overdueSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	for col, h := range overdueHeaders {
		if err := setCell(f, col+1, 1, h); err != nil {
			return err
		}
	}

	var totalOutstanding float64
	for i, it := range items {
		row := i + 2
		outstanding := it.Outstanding.InexactFloat64()
		totalOutstanding += outstanding
		values := []interface{}{
			it.TreatmentID.String(),
			it.TreatmentDescription,
			it.ID.String(),
			it.Number,
			it.DueDate.UTC().Format(DateLayout),
			it.DaysOverdue,
			it.ExpectedValue.InexactFloat64(),
			it.PaidValue.InexactFloat64(),
			outstanding,
			it.WrittenOff,
		}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				return err
			}
		}
	}

	totalRow := len(items) + 3
	if err := setCell(f, 1, totalRow, "Total outstanding"); err != nil {
		return err
	}
	if err := setCell(f, 9, totalRow, totalOutstanding); err != nil {
		return err
	}
	if err := setCell(f, 1, totalRow+1, "Generated at "+generatedAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	if err := f.SetColWidth(overdueSheet, "A", "C", 38); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, col, row int, v interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(overdueSheet, cell, v); err != nil {
		return fmt.Errorf("set %s: %w", cell, err)
	}
	return nil
}
