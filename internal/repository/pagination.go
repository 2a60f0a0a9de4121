package repository

import "gorm.io/gorm"

// findPage counts the filtered rows, then loads one page newest first. A
// non-positive pageSize loads everything.
func findPage(query *gorm.DB, page, pageSize int, dest interface{}) (int64, error) {
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, err
	}

	if pageSize > 0 {
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}

	if err := query.Order("created_at DESC").Order("id DESC").Find(dest).Error; err != nil {
		return 0, err
	}
	return total, nil
}
