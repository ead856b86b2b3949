// Package migrations 内嵌部署所需的 SQL 迁移脚本。
// 脚本按文件名前缀的版本号顺序执行，已执行的版本记录在 schema_migrations 表中。
package migrations

import "embed"

// Files 暴露全部 SQL 迁移文件，供存储层启动时按版本应用。
//
//go:embed *.sql
var Files embed.FS
