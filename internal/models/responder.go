package models

import "time"

// 响应者经验等级
const (
	ExperienceBeginner     = "beginner"
	ExperienceIntermediate = "intermediate"
	ExperienceAdvanced     = "advanced"
	ExperienceExpert       = "expert"
)

// ResponderProfile 危机响应者（咨询师、值班人员）
type ResponderProfile struct {
	ID                 string    `json:"id" gorm:"primaryKey;size:64"`
	Name               string    `json:"name" gorm:"size:128"`
	Role               string    `json:"role" gorm:"size:64"`
	Specializations    []string  `json:"specializations" gorm:"serializer:json"`
	Experience         string    `json:"experience" gorm:"size:32"`
	AvgResponseSeconds float64   `json:"avgResponseSeconds"`
	Rating             float64   `json:"rating"`
	CurrentLoad        int       `json:"currentLoad"`
	MaxCapacity        int       `json:"maxCapacity"`
	Online             bool      `json:"online"`
	Active             bool      `json:"active"`
	Phone              string    `json:"phone,omitempty" gorm:"size:32"`
	LastActiveAt       time.Time `json:"lastActiveAt"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Clone 返回深拷贝，避免快照与内部状态共享切片
func (p ResponderProfile) Clone() ResponderProfile {
	if p.Specializations != nil {
		specs := make([]string, len(p.Specializations))
		copy(specs, p.Specializations)
		p.Specializations = specs
	}
	return p
}

// HasSpecialization 判断是否具备某项专长
func (p *ResponderProfile) HasSpecialization(tag string) bool {
	for _, s := range p.Specializations {
		if s == tag {
			return true
		}
	}
	return false
}
