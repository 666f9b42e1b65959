package domain

import "time"

type Category string

const (
	CategoryFurniture Category = "furniture"
	CategoryAppliance Category = "appliance"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryFurniture, CategoryAppliance}

// DocumentKind names one of the document slots an item carries.
type DocumentKind string

const (
	DocumentWarranty DocumentKind = "warranty"
	DocumentReceipt  DocumentKind = "receipt"
	DocumentManual   DocumentKind = "manual"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case DocumentWarranty, DocumentReceipt, DocumentManual:
		return true
	}
	return false
}

// Slot identifies a stored file column on an item: the image or a document.
type Slot string

const SlotImage Slot = "image"

// DocumentSlot returns the slot holding documents of kind k.
func DocumentSlot(k DocumentKind) Slot {
	return Slot(k)
}

type Item struct {
	ID           int64     `json:"id"`
	Category     Category  `json:"category"`
	Name         string    `json:"name"`
	PurchaseDate string    `json:"purchase_date"`
	Price        *float64  `json:"price"`
	Manufacturer string    `json:"manufacturer"`
	ModelNumber  string    `json:"model_number"`
	OfficialPage string    `json:"official_page"`
	Notes        string    `json:"notes"`
	ImageKey     string    `json:"image_key,omitempty"`
	WarrantyKey  string    `json:"warranty_key,omitempty"`
	ReceiptKey   string    `json:"receipt_key,omitempty"`
	ManualKey    string    `json:"manual_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the storage key held in slot, or "" when the slot is empty.
func (i *Item) Key(slot Slot) string {
	switch slot {
	case SlotImage:
		return i.ImageKey
	case Slot(DocumentWarranty):
		return i.WarrantyKey
	case Slot(DocumentReceipt):
		return i.ReceiptKey
	case Slot(DocumentManual):
		return i.ManualKey
	}
	return ""
}

// Keys returns every non-empty storage key on the item.
func (i *Item) Keys() []string {
	var keys []string
	for _, k := range []string{i.ImageKey, i.WarrantyKey, i.ReceiptKey, i.ManualKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// MonthlyTotal is the spending for one calendar month, "YYYY-MM".
type MonthlyTotal struct {
	Month  string  `json:"month"`
	Amount float64 `json:"amount"`
}
