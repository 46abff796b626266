package challenge

// Idioms содержит четырёхсимвольные фразы для проверки idiom.
var Idioms = []string{
	"一帆风顺", "二龙戏珠", "三阳开泰", "四季平安", "五福临门", "六六大顺",
	"七星高照", "八方来财", "九九同心", "十全十美", "百花齐放", "千山万水",
	"万事如意", "心想事成", "马到成功", "龙马精神", "鸟语花香", "春暖花开",
	"风和日丽", "国泰民安", "欢天喜地", "金玉满堂", "年年有余", "花好月圆",
	"学无止境", "画龙点睛", "对牛弹琴", "守株待兔", "亡羊补牢", "井底之蛙",
	"杯弓蛇影", "刻舟求剑", "叶公好龙", "掩耳盗铃", "自相矛盾", "狐假虎威",
}

// Foods задаёт тематический словарь для выбора из вариантов.
var Foods = []string{
	"苹果", "香蕉", "橙子", "葡萄", "西瓜", "草莓", "菠萝", "芒果",
	"米饭", "面条", "饺子", "包子", "馒头", "油条", "豆浆", "粽子",
	"火锅", "烤鸭", "鸡蛋", "豆腐", "白菜", "萝卜", "土豆", "番茄",
	"牛奶", "面包", "蛋糕", "饼干", "咖啡", "绿茶", "月饼", "汤圆",
}
