package models

import (
	"database/sql"
	"time"

	"cinegraph-server/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal().Msg("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("打开数据库失败")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("连接数据库失败")
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("GORM 初始化失败")
	}

	if err := GormDB.AutoMigrate(&Project{}, &Scene{}, &Stage{}); err != nil {
		log.Fatal().Err(err).Msg("自动建表失败")
	}
	log.Info().Msg("数据库连接成功")
}

// GormStore 持久化 Project/Scene/Stage 记录，实现 service.Store
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateProject(p *Project, scenes []Scene, stages []Stage) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if len(scenes) > 0 {
			if err := tx.Create(&scenes).Error; err != nil {
				return err
			}
		}
		if len(stages) > 0 {
			if err := tx.Create(&stages).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetProject(id string) (*Project, error) {
	var p Project
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) GetScenes(projectID string) ([]Scene, error) {
	var scenes []Scene
	if err := s.db.Where("project_id = ?", projectID).Order("number ASC").Find(&scenes).Error; err != nil {
		return nil, err
	}
	return scenes, nil
}

func (s *GormStore) GetStages(projectID string) ([]Stage, error) {
	var stages []Stage
	if err := s.db.Where("project_id = ?", projectID).Order("ord ASC").Find(&stages).Error; err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *GormStore) UpdateStage(st *Stage) error {
	st.UpdatedAt = time.Now()
	return s.db.Save(st).Error
}

func (s *GormStore) UpdateScene(sc *Scene) error {
	sc.UpdatedAt = time.Now()
	return s.db.Save(sc).Error
}

func (s *GormStore) UpdateProjectStatus(id, status string) error {
	return s.db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}).Error
}

func (s *GormStore) SetProjectVideo(id, key string) error {
	return s.db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"final_video_key": key,
		"updated_at":      time.Now(),
	}).Error
}

// ListRunningStages 返回所有 running 状态的阶段，启动恢复时使用
func (s *GormStore) ListRunningStages() ([]Stage, error) {
	var stages []Stage
	if err := s.db.Where("state = ?", StageRunning).Find(&stages).Error; err != nil {
		return nil, err
	}
	return stages, nil
}

// ListUnfinishedProjects 返回含非终态阶段的项目 ID 列表
func (s *GormStore) ListUnfinishedProjects() ([]string, error) {
	var ids []string
	err := s.db.Model(&Stage{}).
		Where("state IN ?", []string{StagePending, StageReady, StageRunning}).
		Distinct("project_id").
		Pluck("project_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) DeleteProject(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&Stage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&Scene{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Project{}, "id = ?", id).Error
	})
}
