package grid

import (
	"fmt"
)

// the cell as it comes from the backend
// `Id` is the flat row-major index `row * rowSize + col`
type Cell struct {
	Id            uint64 `json:"id"`
	RawValue      string `json:"raw_value"`
	ComputedValue string `json:"computed_value"`
	Background    int32  `json:"background"`
}

// a request to update a cell
// the computed value is omitted since the backend recomputes it
type UpdateCellRequest struct {
	Id         uint64 `json:"id"`
	RawValue   string `json:"raw_value"`
	Background int32  `json:"background"`
}

// comparable
type Color struct {
	Red   uint8
	Green uint8
	Blue  uint8
	Alpha uint8
}

// The wire packing is (red, blue, green, alpha) from the most to the least significant byte.
// This is not ARGB or RGBA but it is what the backend stores, so it must be kept as is.
func UnpackColor(background int32) Color {
	v := uint32(background)
	return Color{
		Red:   uint8(v >> 24),
		Blue:  uint8(v >> 16),
		Green: uint8(v >> 8),
		Alpha: uint8(v),
	}
}

func (self Color) Pack() int32 {
	v := uint32(self.Red)<<24 | uint32(self.Blue)<<16 | uint32(self.Green)<<8 | uint32(self.Alpha)
	return int32(v)
}

func (self Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", self.Red, self.Green, self.Blue, self.Alpha)
}

// the cell as the view edits it
// the id is split into two 32-bit halves for consumers limited to 32-bit fields
type CellContent struct {
	IdLow         int32
	IdHigh        int32
	RawValue      string
	ComputedValue string
	Background    Color
}

// a placeholder cell, used before the backend data arrives
func EmptyCellContent(id uint64) CellContent {
	idLow, idHigh := SplitId(id)
	return CellContent{
		IdLow:  idLow,
		IdHigh: idHigh,
	}
}

func CellContentFromCell(cell Cell) CellContent {
	idLow, idHigh := SplitId(cell.Id)
	return CellContent{
		IdLow:         idLow,
		IdHigh:        idHigh,
		RawValue:      cell.RawValue,
		ComputedValue: cell.ComputedValue,
		Background:    UnpackColor(cell.Background),
	}
}

func (self CellContent) Id() uint64 {
	return JoinId(self.IdLow, self.IdHigh)
}

func (self CellContent) IsEmpty() bool {
	return self.RawValue == "" && self.ComputedValue == "" && self.Background == Color{}
}

func (self CellContent) UpdateRequest() UpdateCellRequest {
	return UpdateCellRequest{
		Id:         self.Id(),
		RawValue:   self.RawValue,
		Background: self.Background.Pack(),
	}
}

func SplitId(id uint64) (idLow int32, idHigh int32) {
	idLow = int32(uint32(id))
	idHigh = int32(uint32(id >> 32))
	return
}

func JoinId(idLow int32, idHigh int32) uint64 {
	return uint64(uint32(idLow)) | uint64(uint32(idHigh))<<32
}

// a half-open interval `[Start, End)` of flat cell ids
type FetchRange struct {
	Start uint64
	End   uint64
}

func (self FetchRange) Contains(id uint64) bool {
	return self.Start <= id && id < self.End
}

func (self FetchRange) Len() uint64 {
	if self.End <= self.Start {
		return 0
	}
	return self.End - self.Start
}

func (self FetchRange) String() string {
	return fmt.Sprintf("[%d, %d)", self.Start, self.End)
}

// the fetch message sent over the connection
type fetchRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}
