package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carrymate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TripService 行程服务：旅行者发布、维护与下架可带货行程
type TripService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewTripService 创建行程服务
func NewTripService(db *gorm.DB, logger *logrus.Logger) *TripService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TripService{db: db, logger: logger}
}

// TripCreateRequest 发布行程的入参
type TripCreateRequest struct {
	FromCountry   string    `json:"from_country" binding:"required"`
	FromCity      string    `json:"from_city" binding:"required"`
	ToCountry     string    `json:"to_country" binding:"required"`
	ToCity        string    `json:"to_city" binding:"required"`
	DepartureDate time.Time `json:"departure_date" binding:"required"`
	CapacityKg    float64   `json:"capacity_kg" binding:"required,gt=0"`
	PricePerKg    float64   `json:"price_per_kg" binding:"required,gt=0"`
	Currency      string    `json:"currency"`
}

// TripUpdateRequest 更新行程的入参；只更新非 nil 字段
type TripUpdateRequest struct {
	DepartureDate *time.Time `json:"departure_date"`
	CapacityKg    *float64   `json:"capacity_kg"`
	PricePerKg    *float64   `json:"price_per_kg"`
	Status        *string    `json:"status"`
}

// TripFilter 行程检索条件
type TripFilter struct {
	FromCountry string
	ToCountry   string
	MinCapacity float64
	Limit       int
}

// Create 发布新行程
func (s *TripService) Create(ctx context.Context, travelerID uint, req *TripCreateRequest) (*models.Trip, error) {
	if req.DepartureDate.Before(time.Now()) {
		return nil, errors.New("departure date must be in the future")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	trip := &models.Trip{
		TravelerID:    travelerID,
		FromCountry:   req.FromCountry,
		FromCity:      req.FromCity,
		ToCountry:     req.ToCountry,
		ToCity:        req.ToCity,
		DepartureDate: req.DepartureDate,
		CapacityKg:    req.CapacityKg,
		PricePerKg:    req.PricePerKg,
		Currency:      currency,
		Status:        "open",
	}
	if err := s.db.WithContext(ctx).Create(trip).Error; err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	s.logger.Infof("Trip %d created by traveler %d", trip.ID, travelerID)
	return trip, nil
}

// Get 按 ID 取行程
func (s *TripService) Get(ctx context.Context, tripID uint) (*models.Trip, error) {
	var trip models.Trip
	if err := s.db.WithContext(ctx).Preload("Traveler").First(&trip, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load trip: %w", err)
	}
	return &trip, nil
}

// List 检索开放中的行程
func (s *TripService) List(ctx context.Context, filter TripFilter) ([]models.Trip, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("status = ?", "open")
	if filter.FromCountry != "" {
		query = query.Where("from_country = ?", filter.FromCountry)
	}
	if filter.ToCountry != "" {
		query = query.Where("to_country = ?", filter.ToCountry)
	}
	if filter.MinCapacity > 0 {
		query = query.Where("capacity_kg - reserved_kg >= ?", filter.MinCapacity)
	}
	var trips []models.Trip
	if err := query.Order("departure_date ASC").Limit(limit).Find(&trips).Error; err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	return trips, nil
}

// Update 更新自己的行程；容量不能低于已预留重量
func (s *TripService) Update(ctx context.Context, travelerID, tripID uint, req *TripUpdateRequest) (*models.Trip, error) {
	var trip models.Trip
	if err := s.db.WithContext(ctx).First(&trip, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load trip: %w", err)
	}
	if trip.TravelerID != travelerID {
		return nil, errors.New("trip belongs to another traveler")
	}

	updates := map[string]interface{}{}
	if req.DepartureDate != nil {
		updates["departure_date"] = *req.DepartureDate
	}
	if req.CapacityKg != nil {
		if *req.CapacityKg < trip.ReservedKg {
			return nil, fmt.Errorf("capacity %.1fkg below reserved %.1fkg", *req.CapacityKg, trip.ReservedKg)
		}
		updates["capacity_kg"] = *req.CapacityKg
	}
	if req.PricePerKg != nil {
		updates["price_per_kg"] = *req.PricePerKg
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}
	if len(updates) == 0 {
		return &trip, nil
	}

	if err := s.db.WithContext(ctx).Model(&trip).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update trip: %w", err)
	}
	return &trip, nil
}

// Delete 下架自己的行程；已有被接受的寄件请求时拒绝
func (s *TripService) Delete(ctx context.Context, travelerID, tripID uint) error {
	var trip models.Trip
	if err := s.db.WithContext(ctx).First(&trip, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load trip: %w", err)
	}
	if trip.TravelerID != travelerID {
		return errors.New("trip belongs to another traveler")
	}

	var accepted int64
	if err := s.db.WithContext(ctx).Model(&models.ShipmentRequest{}).
		Where("trip_id = ? AND status = ?", tripID, "accepted").
		Count(&accepted).Error; err != nil {
		return fmt.Errorf("count accepted requests: %w", err)
	}
	if accepted > 0 {
		return errors.New("trip has accepted shipment requests")
	}

	if err := s.db.WithContext(ctx).Delete(&trip).Error; err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	return nil
}
