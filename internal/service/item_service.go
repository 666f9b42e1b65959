package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/vbonduro/homeinv/internal/domain"
	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/filestore"
	"github.com/vbonduro/homeinv/internal/store"
)

const (
	MaxImageSize    = 5 << 20
	MaxDocumentSize = 10 << 20
	// MaxExtractImageSize matches the upload limit of the workflow proxy.
	MaxExtractImageSize = 15 << 20

	DefaultStatisticsMonths = 6
	maxStatisticsMonths     = 120
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidFile           = errors.New("invalid file")
	ErrFileTooLarge          = errors.New("file too large")
	ErrExtractionUnavailable = errors.New("product extraction is not configured")
)

var documentExts = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// itemRepository is the subset of store.ItemStore that ItemService requires.
type itemRepository interface {
	Create(ctx context.Context, item *domain.Item) (*domain.Item, error)
	GetByID(ctx context.Context, id int64) (*domain.Item, error)
	List(ctx context.Context) ([]*domain.Item, error)
	ListByCategory(ctx context.Context, category domain.Category) ([]*domain.Item, error)
	Search(ctx context.Context, query string) ([]*domain.Item, error)
	Update(ctx context.Context, item *domain.Item) error
	Delete(ctx context.Context, id int64) error
	SetAttachment(ctx context.Context, id int64, slot domain.Slot, key string) (string, error)
	Totals(ctx context.Context) (int, float64, error)
	CategoryCounts(ctx context.Context) (map[domain.Category]int, error)
	MonthlyTotals(ctx context.Context, since string) (map[string]float64, error)
}

type ItemService struct {
	items     itemRepository
	files     filestore.FileStore
	extractor extract.Extractor
	logger    *slog.Logger
}

// NewItemService wires the catalog. extractor may be nil, in which case
// ExtractProductInfo returns ErrExtractionUnavailable.
func NewItemService(items itemRepository, files filestore.FileStore, extractor extract.Extractor, logger *slog.Logger) *ItemService {
	return &ItemService{
		items:     items,
		files:     files,
		extractor: extractor,
		logger:    logger,
	}
}

// ItemInput is the editable part of an item.
type ItemInput struct {
	Category     string   `json:"category" validate:"required,oneof=furniture appliance"`
	Name         string   `json:"name" validate:"required,max=200"`
	PurchaseDate string   `json:"purchase_date" validate:"required,datetime=2006-01-02"`
	Price        *float64 `json:"price" validate:"omitempty,gte=0"`
	Manufacturer string   `json:"manufacturer" validate:"max=200"`
	ModelNumber  string   `json:"model_number" validate:"max=200"`
	OfficialPage string   `json:"official_page" validate:"omitempty,url,max=2048"`
	Notes        string   `json:"notes" validate:"max=4000"`
}

func (in *ItemInput) normalize() {
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	in.Name = strings.TrimSpace(in.Name)
	in.PurchaseDate = strings.TrimSpace(in.PurchaseDate)
	in.Manufacturer = strings.TrimSpace(in.Manufacturer)
	in.ModelNumber = strings.TrimSpace(in.ModelNumber)
	in.OfficialPage = strings.TrimSpace(in.OfficialPage)
	in.Notes = strings.TrimSpace(in.Notes)
}

func (in *ItemInput) apply(item *domain.Item) {
	item.Category = domain.Category(in.Category)
	item.Name = in.Name
	item.PurchaseDate = in.PurchaseDate
	item.Price = in.Price
	item.Manufacturer = in.Manufacturer
	item.ModelNumber = in.ModelNumber
	item.OfficialPage = in.OfficialPage
	item.Notes = in.Notes
}

func (s *ItemService) CreateItem(ctx context.Context, in ItemInput) (*domain.Item, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	var item domain.Item
	in.apply(&item)
	created, err := s.items.Create(ctx, &item)
	if err != nil {
		return nil, err
	}
	s.logger.Info("item created", "item_id", created.ID, "category", created.Category)
	return created, nil
}

// GetItem returns store.ErrNotFound when id does not exist.
func (s *ItemService) GetItem(ctx context.Context, id int64) (*domain.Item, error) {
	item, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, store.ErrNotFound
	}
	return item, nil
}

// ListItems returns items, optionally restricted to one category.
func (s *ItemService) ListItems(ctx context.Context, category string) ([]*domain.Item, error) {
	if category == "" {
		return s.items.List(ctx)
	}
	c := domain.Category(strings.ToLower(category))
	if c != domain.CategoryFurniture && c != domain.CategoryAppliance {
		return nil, fmt.Errorf("%w: category must be one of furniture appliance", ErrInvalidInput)
	}
	return s.items.ListByCategory(ctx, c)
}

// SearchItems lists everything for an empty query.
func (s *ItemService) SearchItems(ctx context.Context, query string) ([]*domain.Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.items.List(ctx)
	}
	return s.items.Search(ctx, query)
}

func (s *ItemService) UpdateItem(ctx context.Context, id int64, in ItemInput) (*domain.Item, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	in.apply(item)
	if err := s.items.Update(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}
	return s.items.GetByID(ctx, id)
}

// DeleteItem removes the item and then its stored files. File removal
// failures are logged only.
func (s *ItemService) DeleteItem(ctx context.Context, id int64) error {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.items.Delete(ctx, id); err != nil {
		return err
	}
	for _, key := range item.Keys() {
		s.deleteFile(ctx, key)
	}
	s.logger.Info("item deleted", "item_id", id)
	return nil
}

// SetImage stores data as the item's photo, replacing any previous one.
func (s *ItemService) SetImage(ctx context.Context, id int64, data []byte) (*domain.Item, error) {
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: images must be 5MB or smaller", ErrFileTooLarge)
	}
	mimeType, ok := filestore.ImageMIME(data)
	if !ok {
		return nil, fmt.Errorf("%w: images must be jpg, png, gif or webp", ErrInvalidFile)
	}
	return s.attach(ctx, id, domain.SlotImage, fmt.Sprintf("item_%d_image", id), filestore.ImageExt(mimeType), data)
}

// SetDocument stores data in the document slot for kind. The file type is
// taken from filename's extension.
func (s *ItemService) SetDocument(ctx context.Context, id int64, kind domain.DocumentKind, filename string, data []byte) (*domain.Item, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: document kind must be one of warranty receipt manual", ErrInvalidInput)
	}
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: documents must be 10MB or smaller", ErrFileTooLarge)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !documentExts[ext] {
		return nil, fmt.Errorf("%w: documents must be pdf, doc, docx, jpg or png", ErrInvalidFile)
	}
	return s.attach(ctx, id, domain.DocumentSlot(kind), fmt.Sprintf("item_%d_%s", id, kind), ext, data)
}

func (s *ItemService) attach(ctx context.Context, id int64, slot domain.Slot, prefix, ext string, data []byte) (*domain.Item, error) {
	if _, err := s.GetItem(ctx, id); err != nil {
		return nil, err
	}

	key, err := s.files.Save(ctx, prefix, ext, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	s.logger.Debug("file saved", "item_id", id, "slot", slot, "key", key, "bytes", len(data))

	previous, err := s.items.SetAttachment(ctx, id, slot, key)
	if err != nil {
		s.deleteFile(ctx, key)
		return nil, err
	}
	if previous != "" {
		s.deleteFile(ctx, previous)
	}
	return s.items.GetByID(ctx, id)
}

// OpenAttachment returns the stored file in slot. It returns store.ErrNotFound
// when the item does not exist or the slot is empty.
func (s *ItemService) OpenAttachment(ctx context.Context, id int64, slot domain.Slot) (io.ReadCloser, string, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, "", err
	}
	key := item.Key(slot)
	if key == "" {
		return nil, "", store.ErrNotFound
	}
	rc, contentType, err := s.files.Get(ctx, key)
	if errors.Is(err, filestore.ErrNotFound) {
		s.logger.Error("attachment missing from file store", "item_id", id, "key", key)
		return nil, "", store.ErrNotFound
	}
	return rc, contentType, err
}

func (s *ItemService) deleteFile(ctx context.Context, key string) {
	if err := s.files.Delete(ctx, key); err != nil {
		s.logger.Error("failed to delete file", "key", key, "error", err)
	}
}

type Statistics struct {
	TotalItems int                     `json:"total_items"`
	TotalCost  float64                 `json:"total_cost"`
	ByCategory map[domain.Category]int `json:"by_category"`
	Monthly    []domain.MonthlyTotal   `json:"monthly"`
}

// Statistics summarizes the catalog. Monthly covers the given number of
// calendar months ending with the month of now, oldest first, with zero for
// months without purchases.
func (s *ItemService) Statistics(ctx context.Context, now time.Time, months int) (*Statistics, error) {
	if months <= 0 {
		months = DefaultStatisticsMonths
	}
	if months > maxStatisticsMonths {
		months = maxStatisticsMonths
	}

	count, cost, err := s.items.Totals(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.items.CategoryCounts(ctx)
	if err != nil {
		return nil, err
	}

	first := time.Date(now.Year(), now.Month()-time.Month(months-1), 1, 0, 0, 0, 0, now.Location())
	totals, err := s.items.MonthlyTotals(ctx, first.Format(time.DateOnly))
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalItems: count,
		TotalCost:  cost,
		ByCategory: make(map[domain.Category]int, len(domain.Categories)),
		Monthly:    make([]domain.MonthlyTotal, 0, months),
	}
	for _, c := range domain.Categories {
		stats.ByCategory[c] = counts[c]
	}
	for i := range months {
		month := first.AddDate(0, i, 0).Format("2006-01")
		stats.Monthly = append(stats.Monthly, domain.MonthlyTotal{Month: month, Amount: totals[month]})
	}
	return stats, nil
}

// ExtractProductInfo runs the configured extractor on a product photo on
// behalf of user, which must be non-empty.
func (s *ItemService) ExtractProductInfo(ctx context.Context, data []byte, filename, user string) (*extract.ProductInfo, error) {
	if s.extractor == nil {
		return nil, ErrExtractionUnavailable
	}
	// Backends attribute uploads and runs to the end user, so a missing user
	// must fail here rather than after the photo has been sent upstream.
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if len(data) > MaxExtractImageSize {
		return nil, fmt.Errorf("%w: images must be 15MB or smaller", ErrFileTooLarge)
	}
	if _, ok := filestore.ImageMIME(data); !ok {
		return nil, fmt.Errorf("%w: images must be jpg, png, gif or webp", ErrInvalidFile)
	}

	s.logger.Info("product extraction started", "user", user, "bytes", len(data))
	info, err := s.extractor.Extract(ctx, bytes.NewReader(data), filename, user)
	if err != nil {
		return nil, fmt.Errorf("failed to extract product info: %w", err)
	}
	return info, nil
}
