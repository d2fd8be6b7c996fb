package util

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// LoadEnv 加载 .env 与 .env.<env> 文件，已存在的环境变量不会被覆盖
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append(files, ".env."+env)
	}
	var loaded int
	for _, name := range files {
		if err := loadEnvFile(name); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no env file found for %q", env)
	}
	return nil
}

func loadEnvFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return scanner.Err()
}

// GetEnv 读取字符串环境变量
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetEnvDefault 读取环境变量，空值时返回默认值
func GetEnvDefault(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}

// GetIntEnv 读取整数环境变量，非法值返回 0
func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

// GetBoolEnv 读取布尔环境变量，支持 1/true/yes
func GetBoolEnv(key string) bool {
	v := strings.ToLower(GetEnv(key))
	if v == "yes" || v == "on" {
		return true
	}
	return cast.ToBool(v)
}

// GetDurationEnv 读取时长环境变量，支持 "30s" 或纯数字（秒）
func GetDurationEnv(key string) time.Duration {
	v := GetEnv(key)
	if v == "" {
		return 0
	}
	if n, err := cast.ToInt64E(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return cast.ToDuration(v)
}
