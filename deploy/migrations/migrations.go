package migrations

import "embed"

// Files 暴露定价库的 SQL 迁移文件，仅用于开发环境初始化 pricing_master。
//
//go:embed *.sql
var Files embed.FS
